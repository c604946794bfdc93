// Package chain talks to a Neo N3 node over JSON-RPC. The token locker uses it
// to follow outbound transfers that were relayed as N3 transactions.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNetworkMismatch is returned when the node serves another network than
// the configured one.
var ErrNetworkMismatch = errors.New("network magic mismatch")

// Client provides Neo N3 RPC client functionality.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	networkID  uint32
	nextID     atomic.Int64
}

// Config holds client configuration.
type Config struct {
	RPCURL    string
	NetworkID uint32 // MainNet: 860833102, TestNet: 894710606
	Timeout   time.Duration
}

// NewClient creates a new Neo N3 client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		networkID: cfg.NetworkID,
	}, nil
}

// Call makes an RPC call to the Neo N3 node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// GetBlockCount returns the current block height.
func (c *Client) GetBlockCount(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}

	var count uint64
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// CheckNetwork confirms the node serves the configured network and returns
// its block height. A zero network magic skips the comparison.
func (c *Client) CheckNetwork(ctx context.Context) (uint64, error) {
	if c.networkID != 0 {
		raw, err := c.Call(ctx, "getversion", nil)
		if err != nil {
			return 0, fmt.Errorf("getversion: %w", err)
		}
		magic := gjson.GetBytes(raw, "protocol.network").Uint()
		if magic != uint64(c.networkID) {
			return 0, fmt.Errorf("%w: node reports %d, configured %d", ErrNetworkMismatch, magic, c.networkID)
		}
	}
	return c.GetBlockCount(ctx)
}

// GetApplicationLog returns the raw application log for a transaction.
func (c *Client) GetApplicationLog(ctx context.Context, txHash string) (json.RawMessage, error) {
	return c.Call(ctx, "getapplicationlog", []interface{}{txHash})
}
