package member

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// refereeConnectTimeout bounds how long a single referee RPC may take
// before the caller treats the referee as unreachable.
const refereeConnectTimeout = 5 * time.Second

// RefereeClient arbitrates split-brain ties against an external referee
// service reachable over HTTP. Grounded on the teacher's
// httpCorrosionClient (internal/adapter/corrosion/client.go): a thin JSON
// client with a shared doJSON helper, generalized from corrosion's
// query/exec verbs to the referee's get/clear verbs. spec.md's third
// RefereeClient operation, read_saved_winner, reads the *local* durable
// row rather than talking to the referee at all — that lives on Store
// as Store.ReadSavedWinner, not here.
type RefereeClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRefereeClient creates a client against the referee listening at
// baseURL (e.g. "http://referee.internal:5432").
func NewRefereeClient(baseURL string) *RefereeClient {
	return &RefereeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: refereeConnectTimeout},
	}
}

type refereeWinnerResponse struct {
	Winner NodeID `json:"winner"`
}

type refereeGetWinnerRequest struct {
	Key      string `json:"key"`
	Proposed NodeID `json:"proposed"`
}

type refereeClearWinnerRequest struct {
	Key string `json:"key"`
}

// GetWinner asks the referee to atomically grant or report the current
// winner for key, proposing self as the winner if none is recorded yet.
// The returned NodeID is the referee's answer regardless of who proposed
// it — callers must compare it against self to know whether they won.
func (c *RefereeClient) GetWinner(ctx context.Context, key string, self NodeID) (NodeID, error) {
	body, err := json.Marshal(refereeGetWinnerRequest{Key: key, Proposed: self})
	if err != nil {
		return 0, fmt.Errorf("marshal get_winner request: %w", err)
	}

	var out refereeWinnerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/referee/get_winner", body, &out); err != nil {
		return 0, transientErr("RefereeClient.GetWinner", err)
	}
	return out.Winner, nil
}

// ClearWinner clears the referee's recorded decision for key. Callers MUST
// delete their own local donor record before calling this (see
// Store.ClearDonor / SPEC_FULL.md §1.3): clearing the remote decision before
// the local one is durably gone would let a crash between the two calls
// leave a node believing it still holds a grant the referee no longer
// remembers, reopening the exact split-brain window the referee exists to
// close.
func (c *RefereeClient) ClearWinner(ctx context.Context, key string) error {
	body, err := json.Marshal(refereeClearWinnerRequest{Key: key})
	if err != nil {
		return fmt.Errorf("marshal clear_winner request: %w", err)
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/referee/clear_winner", body, nil); err != nil {
		return transientErr("RefereeClient.ClearWinner", err)
	}
	return nil
}

func (c *RefereeClient) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode referee response: %w", err)
	}
	return nil
}
