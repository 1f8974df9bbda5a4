// Package stats holds the relay's external query collaborators: the bundle
// simulation backend and the user statistics service.
package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotImplemented is returned by the default user-stats backend.
var ErrNotImplemented = errors.New("not implemented on this network")

// SimResponse is the simulation backend's verbatim reply plus the parsed
// total gas figure the relay needs for its floor check.
type SimResponse struct {
	Raw          json.RawMessage
	TotalGasUsed uint64
	HasResult    bool
}

// SimClient forwards reshaped eth_callBundle requests to the simulation RPC.
// Unlike bundle fan-out, simulation is synchronous: the caller receives the
// backend's response.
type SimClient struct {
	endpoint string
	client   *http.Client
}

func NewSimClient(endpoint string, timeout time.Duration) *SimClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SimClient{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: timeout},
	}
}

// CallBundle posts the JSON-RPC request body and parses result.totalGasUsed
// out of the reply.
func (c *SimClient) CallBundle(ctx context.Context, body []byte) (*SimResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build simulation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call simulation rpc: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read simulation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("simulation rpc status %d", resp.StatusCode)
	}

	var parsed struct {
		Result *struct {
			TotalGasUsed uint64 `json:"totalGasUsed"`
		} `json:"result"`
	}
	out := &SimResponse{Raw: raw}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Result != nil {
		out.TotalGasUsed = parsed.Result.TotalGasUsed
		out.HasResult = true
	}
	return out, nil
}

// UserStatsService answers flashbots_getUserStats for a signer address.
type UserStatsService interface {
	UserStats(ctx context.Context, signer common.Address, blockNumber string) (json.RawMessage, error)
}

type unimplementedStats struct{}

func (unimplementedStats) UserStats(context.Context, common.Address, string) (json.RawMessage, error) {
	return nil, ErrNotImplemented
}

// Unimplemented returns the default user-stats backend, which rejects every
// query.
func Unimplemented() UserStatsService {
	return unimplementedStats{}
}
