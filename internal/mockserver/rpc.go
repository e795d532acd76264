// ABOUTME: Minimal JSON-RPC 2.0 endpoint exposing the Local ledger as a state contract
// ABOUTME: Answers eth_chainId, eth_blockNumber and eth_call for getState(bytes32)

package mockserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/2389/idenmobile/internal/ledger"
)

// ChainID is reported by eth_chainId.
const ChainID = "0x539"

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusOK, rpcReply{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: err.Error()}})
		return
	}

	reply := rpcReply{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "eth_chainId":
		reply.Result = ChainID
	case "eth_blockNumber":
		reply.Result = "0x" + strconv.FormatUint(s.ledger.BlockNumber(), 16)
	case "eth_call":
		result, err := s.stateCall(r, req.Params)
		if err != nil {
			reply.Error = &rpcError{Code: -32000, Message: err.Error()}
			break
		}
		reply.Result = result
	default:
		reply.Error = &rpcError{Code: -32601, Message: "method not found"}
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) stateCall(r *http.Request, params []json.RawMessage) (string, error) {
	if len(params) == 0 {
		return "", errMissingParams
	}
	var call struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(params[0], &call); err != nil {
		return "", err
	}
	id, err := ledger.DecodeStateCall(call.Data)
	if err != nil {
		return "", err
	}
	st, err := s.ledger.StateOf(r.Context(), id)
	if err != nil {
		// Unknown identities read as the zero state, like the contract does.
		st = nil
	}
	return ledger.EncodeState(st)
}
