package member

import "math/bits"

// MaxClique runs Bron–Kerbosch with pivoting over the n-vertex graph
// implied by matrix: vertices 0..n-1, edge (i,j) iff bit j of matrix[i] is
// clear (i and j report no disconnect between them). It returns the
// lexicographically first maximum clique (ties broken by lowest vertex set,
// comparing the mask as an integer) and its size. The result is a pure
// function of matrix: identical input always yields identical output.
func MaxClique(matrix []NodeMask, n int) (NodeMask, int) {
	if n <= 0 {
		return 0, 0
	}

	adj := make([]NodeMask, n)
	all := FullMask(n)
	for i := 0; i < n; i++ {
		adj[i] = ^matrix[i] & all &^ (NodeMask(1) << uint(i))
	}

	var best NodeMask
	bestSize := 0

	// consider keeps the best-known clique updated with the lexicographic
	// tie-break: a same-size clique only replaces best if its mask is
	// numerically smaller, matching "lexicographically first" over the bit
	// string read from the highest-numbered node's bit down to bit 0 (the
	// clique whose highest differing vertex is lower wins).
	consider := func(candidate NodeMask) {
		size := candidate.Popcount()
		if size > bestSize || (size == bestSize && candidate < best) {
			best = candidate
			bestSize = size
		}
	}

	var bronKerbosch func(r, p, x NodeMask)
	bronKerbosch = func(r, p, x NodeMask) {
		if p == 0 && x == 0 {
			consider(r)
			return
		}
		if p == 0 {
			return
		}

		pivot := choosePivot(p, x, adj)
		candidates := p &^ adj[pivot]

		for candidates != 0 {
			v := bits.TrailingZeros64(uint64(candidates))
			vBit := NodeMask(1) << uint(v)
			candidates &^= vBit

			bronKerbosch(r|vBit, p&adj[v], x&adj[v])

			p &^= vBit
			x |= vBit
		}
	}

	bronKerbosch(0, all, 0)

	if bestSize == 0 {
		// No edges at all still yields singleton cliques; pick the lowest
		// vertex so isolated self is still returned deterministically.
		v := bits.TrailingZeros64(uint64(all))
		return NodeMask(1) << uint(v), 1
	}
	return best, bestSize
}

// choosePivot picks the vertex in p|x with the most neighbors inside p,
// the standard Bron–Kerbosch pivoting heuristic to prune the search.
func choosePivot(p, x NodeMask, adj []NodeMask) int {
	best := -1
	bestDeg := -1
	for cand := p | x; cand != 0; {
		v := bits.TrailingZeros64(uint64(cand))
		cand &^= NodeMask(1) << uint(v)
		deg := (adj[v] & p).Popcount()
		if deg > bestDeg {
			bestDeg = deg
			best = v
		}
	}
	return best
}
