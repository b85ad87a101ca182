package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// Minimal Ethereum JSON-RPC client over HTTP. Only the two calls the block
// monitor needs: eth_blockNumber and eth_getBlockByNumber with full
// transaction objects.

// Client talks to one Ethereum JSON-RPC endpoint.
type Client struct {
	endpoint string
	hc       *http.Client
}

// NewClient creates a client for the given RPC endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		hc:       &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Block is an Ethereum block with full transaction objects.
type Block struct {
	Number       HexUint64 `json:"number"`
	Hash         string    `json:"hash"`
	Timestamp    HexUint64 `json:"timestamp"`
	Transactions []BlockTx `json:"transactions"`
}

// BlockTx is one transaction as returned inside a block.
type BlockTx struct {
	Hash     string    `json:"hash"`
	From     string    `json:"from"`
	To       string    `json:"to"` // empty for contract creation
	Value    HexBig    `json:"value"`
	Gas      HexUint64 `json:"gas"`
	GasPrice HexBig    `json:"gasPrice"`
	Input    string    `json:"input"`
}

// BlockNumber returns the head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var out HexUint64
	if err := c.call(ctx, "eth_blockNumber", []any{}, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

// BlockByNumber fetches one block with full transactions. Returns nil for a
// not-yet-known block.
func (c *Client) BlockByNumber(ctx context.Context, n uint64) (*Block, error) {
	var blk *Block
	param := fmt.Sprintf("0x%x", n)
	if err := c.call(ctx, "eth_getBlockByNumber", []any{param, true}, &blk); err != nil {
		return nil, err
	}
	return blk, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("rpc %s status=%d", method, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("rpc %s decode: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc %s: %w", method, envelope.Error)
	}
	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return json.Unmarshal([]byte("null"), out)
	}
	return json.Unmarshal(envelope.Result, out)
}

// HexUint64 decodes 0x-prefixed quantity strings.
type HexUint64 uint64

func (h *HexUint64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" || s == "0x" {
		*h = 0
		return nil
	}
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return fmt.Errorf("invalid hex quantity %q", s)
	}
	if !v.IsUint64() {
		return fmt.Errorf("hex quantity %q overflows uint64", s)
	}
	*h = HexUint64(v.Uint64())
	return nil
}

// HexBig decodes 0x-prefixed quantities of arbitrary size (wei values).
type HexBig struct {
	Int *big.Int
}

func (h *HexBig) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" || s == "0x" {
		h.Int = new(big.Int)
		return nil
	}
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return fmt.Errorf("invalid hex quantity %q", s)
	}
	h.Int = v
	return nil
}

func (h HexBig) MarshalJSON() ([]byte, error) {
	if h.Int == nil {
		return []byte(`"0x0"`), nil
	}
	return json.Marshal("0x" + h.Int.Text(16))
}

// Float returns the value as float64. Precision loss is acceptable for USD
// estimation, never for settlement.
func (h HexBig) Float() float64 {
	if h.Int == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(h.Int).Float64()
	return f
}
