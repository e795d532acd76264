// ABOUTME: Tests for the JSON-RPC ledger client against an httptest endpoint
// ABOUTME: Covers the chainId handshake, eth_call decoding, RPC errors and unreachable endpoints

package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newChainServer serves eth_chainId and eth_call backed by a Local ledger.
func newChainServer(t *testing.T, l *Local) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_chainId":
			reply["result"] = "0x539"
		case "eth_call":
			var call struct {
				Data string `json:"data"`
			}
			json.Unmarshal(req.Params[0], &call)
			id, err := DecodeStateCall(call.Data)
			if err != nil {
				reply["error"] = map[string]any{"code": -32000, "message": err.Error()}
				break
			}
			s, err := l.StateOf(r.Context(), id)
			if err != nil {
				s = nil
			}
			encoded, _ := EncodeState(s)
			reply["result"] = encoded
		default:
			reply["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDial_HandshakeAndStateOf(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	srv := newChainServer(t, l)

	rpc, err := Dial(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "0x539", rpc.ChainID())

	_, err = rpc.StateOf(ctx, testIdentity)
	require.ErrorIs(t, err, ErrStateNotFound)

	published, err := l.Publish(testIdentity, "")
	require.NoError(t, err)

	got, err := rpc.StateOf(ctx, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, published.Root, got.Root)
	assert.Equal(t, published.BlockN, got.BlockN)
}

func TestDial_HiddenURL(t *testing.T) {
	srv := newChainServer(t, NewLocal())

	rpc, err := Dial(context.Background(), "hidden:"+srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<hidden>", rpc.display)
	assert.Equal(t, srv.URL, rpc.url)
}

func TestDial_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Dial(context.Background(), url)
	require.ErrorIs(t, err, ErrNetworkUnavailable)

	_, err = Dial(context.Background(), "hidden:"+url)
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.NotContains(t, err.Error(), url, "hidden URL must not leak into errors")
}

func TestDial_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestCall_RPCError(t *testing.T) {
	srv := newChainServer(t, NewLocal())
	rpc, err := Dial(context.Background(), srv.URL)
	require.NoError(t, err)

	err = rpc.call(context.Background(), "eth_bogus", nil, nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.NotErrorIs(t, err, ErrNetworkUnavailable)
}
