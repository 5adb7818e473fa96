package member

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store persists the pieces of membership state that must survive a
// restart: the local node's own belief about a referee grant (the "donor"
// record), the referee_decision row spec.md §6 describes (also read back
// by ReadSavedWinner to re-seed referee_winner_id, per spec.md §4.3's
// read_saved_winner), and the control file recording the WAL recovery
// donor node id on entry to Recovered (spec.md §6). Grounded on the
// teacher's adapter/sqlite Store (internal/adapter/sqlite/store.go): same
// WAL-mode-plus-busy-timeout sql.DB open sequence and upsert style,
// generalized from network specs to referee decisions.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := openStoreDB(path)
	if err != nil {
		return nil, fmt.Errorf("open membership state db: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS referee_decision (
	key TEXT PRIMARY KEY,
	node_id INTEGER NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize referee_decision schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS donor_grant (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	node_id INTEGER NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize donor_grant schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS control_file (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	donor_node_id INTEGER NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize control_file schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveDecision durably records that node won the referee arbitration for
// key, also readable back through ReadSavedWinner. spec.md §6 describes
// this table as two columns, (key, node_id); we add updated_at so the
// history is useful for diagnostics beyond the single current value, a
// deliberate deviation from the two-column shape.
func (s *Store) SaveDecision(key string, node NodeID, now string) error {
	_, err := s.db.Exec(
		`INSERT INTO referee_decision (key, node_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET node_id = excluded.node_id, updated_at = excluded.updated_at`,
		key, int(node), now,
	)
	if err != nil {
		return fmt.Errorf("save referee decision: %w", err)
	}
	return nil
}

// ReadSavedWinner returns the referee_decision row for key, if any. This is
// spec.md §4.3's read_saved_winner operation: it reads the local durable
// row only, never the referee itself, and exists to re-seed
// referee_winner_id in memory after a process restart.
func (s *Store) ReadSavedWinner(key string) (node NodeID, ok bool, err error) {
	var id int
	err = s.db.QueryRow(`SELECT node_id FROM referee_decision WHERE key = ?`, key).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read saved referee winner: %w", err)
	}
	return NodeID(id), true, nil
}

// SaveDonor durably records that the local node currently believes node
// holds the referee grant for a majority-less partition. Until ClearDonor
// runs, this survives process restarts so a crash mid-arbitration does not
// forget which side was granted majority.
func (s *Store) SaveDonor(node NodeID) error {
	_, err := s.db.Exec(
		`INSERT INTO donor_grant (id, node_id) VALUES (0, ?)
		 ON CONFLICT(id) DO UPDATE SET node_id = excluded.node_id`,
		int(node),
	)
	if err != nil {
		return fmt.Errorf("save donor grant: %w", err)
	}
	return nil
}

// ReadDonor returns the locally persisted donor grant, if any.
func (s *Store) ReadDonor() (node NodeID, ok bool, err error) {
	var id int
	err = s.db.QueryRow(`SELECT node_id FROM donor_grant WHERE id = 0`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read donor grant: %w", err)
	}
	return NodeID(id), true, nil
}

// ClearDonor durably removes the local donor grant record. Callers MUST
// call this before RefereeClient.ClearWinner (see referee.go): the local
// record is the source of truth for "do we still believe we hold the
// grant," so it must be gone before the remote copy is, or a crash between
// the two calls leaves the remote decision cleared while the local node
// still acts as if it holds it.
func (s *Store) ClearDonor() error {
	if _, err := s.db.Exec(`DELETE FROM donor_grant WHERE id = 0`); err != nil {
		return fmt.Errorf("clear donor grant: %w", err)
	}
	return nil
}

// SaveControlFile persists donor as the node this instance is recovering
// from, so a later restart can resume recovery from any cluster node
// (spec.md §6). Called on entry to Recovered (spec.md §4.4's transition
// table), matching the original's MtmUpdateControlFile.
func (s *Store) SaveControlFile(donor NodeID) error {
	_, err := s.db.Exec(
		`INSERT INTO control_file (id, donor_node_id) VALUES (0, ?)
		 ON CONFLICT(id) DO UPDATE SET donor_node_id = excluded.donor_node_id`,
		int(donor),
	)
	if err != nil {
		return fmt.Errorf("save control file: %w", err)
	}
	return nil
}

// ReadControlFile returns the recovery donor node id persisted by the most
// recent SaveControlFile call, if any.
func (s *Store) ReadControlFile() (donor NodeID, ok bool, err error) {
	var id int
	err = s.db.QueryRow(`SELECT donor_node_id FROM control_file WHERE id = 0`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read control file: %w", err)
	}
	return NodeID(id), true, nil
}

func openStoreDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}
