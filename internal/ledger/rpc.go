// ABOUTME: JSON-RPC 2.0 ledger client reading identity state from the state contract
// ABOUTME: Dial performs an eth_chainId handshake so an unreachable endpoint fails fast

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// maxResponseBytes caps how much of a JSON-RPC reply is read.
const maxResponseBytes = 1 << 20

// RPC reads identity state from an Ethereum style JSON-RPC endpoint.
type RPC struct {
	url        string
	display    string
	contract   string
	httpClient *http.Client
	logger     *slog.Logger
	chainID    string
	nextID     atomic.Int64
}

var _ Ledger = (*RPC)(nil)

// RPCOption configures an RPC client.
type RPCOption func(*RPC)

// WithHTTPClient sets the HTTP client used for calls.
func WithHTTPClient(c *http.Client) RPCOption {
	return func(r *RPC) {
		r.httpClient = c
	}
}

// WithContract overrides the state contract address.
func WithContract(address string) RPCOption {
	return func(r *RPC) {
		r.contract = address
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) RPCOption {
	return func(r *RPC) {
		r.logger = logger
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the endpoint.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Dial connects to web3URL and verifies it answers eth_chainId.
// A "hidden:" prefix keeps the URL out of logs. Any transport failure is
// reported as ErrNetworkUnavailable.
func Dial(ctx context.Context, web3URL string, opts ...RPCOption) (*RPC, error) {
	target, display := ParseWeb3URL(web3URL)

	r := &RPC{
		url:        target,
		display:    display,
		contract:   DefaultStateContract,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "ledger", "web3_url", r.display)

	var chainID string
	if err := r.call(ctx, "eth_chainId", nil, &chainID); err != nil {
		return nil, fmt.Errorf("dialing web3 endpoint: %w", err)
	}
	r.chainID = chainID

	r.logger.Info("connected to ledger", "chain_id", chainID)
	return r, nil
}

// ChainID returns the chain id reported during Dial.
func (r *RPC) ChainID() string { return r.chainID }

// StateOf calls getState(bytes32) on the state contract at the latest block.
func (r *RPC) StateOf(ctx context.Context, identityID string) (*State, error) {
	data, err := EncodeStateCall(identityID)
	if err != nil {
		return nil, err
	}

	call := map[string]string{"to": r.contract, "data": data}
	var result string
	if err := r.call(ctx, "eth_call", []any{call, "latest"}, &result); err != nil {
		return nil, fmt.Errorf("reading state of %s: %w", identityID, err)
	}

	state, err := DecodeState(identityID, result)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("read identity state", "identity_id", identityID, "block", state.BlockN)
	return state, nil
}

// call performs one JSON-RPC round trip. Transport errors and 5xx replies
// wrap ErrNetworkUnavailable; error objects are returned as *RPCError.
func (r *RPC) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      r.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building %s request: %v", ErrNetworkUnavailable, method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNetworkUnavailable, method, redact(err, r.url, r.display))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", ErrNetworkUnavailable, method, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: HTTP %d", ErrNetworkUnavailable, method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("parsing %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("parsing %s result: %w", method, err)
		}
	}
	return nil
}

// redact replaces the real endpoint in transport errors with its display form.
func redact(err error, target, display string) string {
	msg := err.Error()
	if target == display {
		return msg
	}
	return strings.ReplaceAll(msg, target, display)
}
