// Package chaintest provides a JSON-RPC test server that answers the subset
// of eth_* methods used by the engine. Contract calls are routed by target
// address and 4-byte selector to ABI-aware handlers.
package chaintest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// MethodFunc receives the decoded call arguments and returns output values.
type MethodFunc func(args []any) ([]any, error)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type callArgs struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Data  string `json:"data"`
	Input string `json:"input"`
}

type handler struct {
	method abi.Method
	fn     MethodFunc
}

type Server struct {
	*httptest.Server
	t *testing.T

	mu        sync.Mutex
	ChainID   int64
	handlers  map[string]handler
	calls     map[string]int
	balances  map[string]*big.Int
	sent      []*types.Transaction
	reverted  map[common.Hash]bool
	mined     map[common.Hash]bool
	failCalls bool
	rpcCalls  map[string]int
}

func NewServer(t *testing.T, chainID int64) *Server {
	t.Helper()
	s := &Server{
		t:        t,
		ChainID:  chainID,
		handlers: map[string]handler{},
		calls:    map[string]int{},
		balances: map[string]*big.Int{},
		reverted: map[common.Hash]bool{},
		mined:    map[common.Hash]bool{},
		rpcCalls: map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func callKey(to string, selector []byte) string {
	return strings.ToLower(to) + ":" + hex.EncodeToString(selector)
}

// Handle routes calls of method name on contract to to fn.
func (s *Server) Handle(to string, parsed abi.ABI, name string, fn MethodFunc) {
	method, ok := parsed.Methods[name]
	if !ok {
		s.t.Fatalf("chaintest: abi has no method %s", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[callKey(to, method.ID)] = handler{method: method, fn: fn}
}

// Calls reports how often method name was called on contract to, counting
// attempts that had no handler or failed.
func (s *Server) Calls(to string, parsed abi.ABI, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callKey(to, parsed.Methods[name].ID)]
}

// RPCCalls reports how often an RPC method was invoked.
func (s *Server) RPCCalls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpcCalls[method]
}

func (s *Server) SetBalance(addr string, v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[strings.ToLower(addr)] = v
}

// FailCalls makes every eth_call return an RPC error.
func (s *Server) FailCalls(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCalls = fail
}

// Sent returns the raw transactions broadcast so far.
func (s *Server) Sent() []*types.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Transaction(nil), s.sent...)
}

// Mine makes a receipt for hash available without a broadcast.
func (s *Server) Mine(hash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mined[hash] = true
}

// Revert makes the receipt of hash report failure.
func (s *Server) Revert(hash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverted[hash] = true
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.rpcCalls[req.Method]++
	s.mu.Unlock()

	switch req.Method {
	case "eth_chainId":
		writeResult(w, req.ID, hexutil.EncodeBig(big.NewInt(s.ChainID)))
	case "eth_call":
		s.serveCall(w, req)
	case "eth_getBalance":
		var addr string
		_ = json.Unmarshal(req.Params[0], &addr)
		s.mu.Lock()
		bal := s.balances[strings.ToLower(addr)]
		s.mu.Unlock()
		if bal == nil {
			bal = new(big.Int)
		}
		writeResult(w, req.ID, hexutil.EncodeBig(bal))
	case "eth_getTransactionCount":
		s.mu.Lock()
		n := len(s.sent)
		s.mu.Unlock()
		writeResult(w, req.ID, hexutil.EncodeUint64(uint64(n)))
	case "eth_estimateGas":
		writeResult(w, req.ID, hexutil.EncodeUint64(100_000))
	case "eth_maxPriorityFeePerGas":
		writeResult(w, req.ID, hexutil.EncodeBig(big.NewInt(1_000_000_000)))
	case "eth_gasPrice":
		writeResult(w, req.ID, hexutil.EncodeBig(big.NewInt(2_000_000_000)))
	case "eth_getBlockByNumber":
		writeRaw(w, req.ID, headerJSON)
	case "eth_sendRawTransaction":
		var raw string
		_ = json.Unmarshal(req.Params[0], &raw)
		buf, err := hexutil.Decode(raw)
		if err != nil {
			writeError(w, req.ID, -32602, err.Error())
			return
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(buf); err != nil {
			writeError(w, req.ID, -32602, err.Error())
			return
		}
		s.mu.Lock()
		s.sent = append(s.sent, tx)
		s.mu.Unlock()
		writeResult(w, req.ID, tx.Hash().Hex())
	case "eth_getTransactionReceipt":
		var raw string
		_ = json.Unmarshal(req.Params[0], &raw)
		hash := common.HexToHash(raw)
		s.mu.Lock()
		known := s.mined[hash]
		for _, tx := range s.sent {
			if tx.Hash() == hash {
				known = true
			}
		}
		status := "0x1"
		if s.reverted[hash] {
			status = "0x0"
		}
		s.mu.Unlock()
		if !known {
			writeRaw(w, req.ID, "null")
			return
		}
		writeRaw(w, req.ID, receiptJSON(hash, status))
	default:
		writeError(w, req.ID, -32601, fmt.Sprintf("method not supported in test: %s", req.Method))
	}
}

func (s *Server) serveCall(w http.ResponseWriter, req rpcRequest) {
	var args callArgs
	if len(req.Params) == 0 || json.Unmarshal(req.Params[0], &args) != nil {
		writeError(w, req.ID, -32602, "invalid call params")
		return
	}
	input := args.Input
	if input == "" {
		input = args.Data
	}
	data, err := hexutil.Decode(input)
	if err != nil || len(data) < 4 {
		writeError(w, req.ID, -32602, "invalid call data")
		return
	}
	key := callKey(args.To, data[:4])
	s.mu.Lock()
	fail := s.failCalls
	h, ok := s.handlers[key]
	s.calls[key]++
	s.mu.Unlock()
	if fail {
		writeError(w, req.ID, -32000, "upstream unavailable")
		return
	}
	if !ok {
		writeError(w, req.ID, 3, "execution reverted")
		return
	}
	values, err := h.method.Inputs.Unpack(data[4:])
	if err != nil {
		writeError(w, req.ID, -32602, err.Error())
		return
	}
	outs, err := h.fn(values)
	if err != nil {
		writeError(w, req.ID, 3, "execution reverted: "+err.Error())
		return
	}
	packed, err := h.method.Outputs.Pack(outs...)
	if err != nil {
		s.t.Errorf("chaintest: pack %s outputs: %v", h.method.Name, err)
		writeError(w, req.ID, -32603, err.Error())
		return
	}
	writeResult(w, req.ID, "0x"+hex.EncodeToString(packed))
}

var headerJSON = `{
	"parentHash":"0x0000000000000000000000000000000000000000000000000000000000000000",
	"sha3Uncles":"0x1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347",
	"miner":"0x0000000000000000000000000000000000000000",
	"stateRoot":"0x0000000000000000000000000000000000000000000000000000000000000000",
	"transactionsRoot":"0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
	"receiptsRoot":"0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
	"logsBloom":"0x` + zeroBloom + `",
	"difficulty":"0x0",
	"number":"0x10",
	"gasLimit":"0x1c9c380",
	"gasUsed":"0x0",
	"timestamp":"0x65000000",
	"extraData":"0x",
	"mixHash":"0x0000000000000000000000000000000000000000000000000000000000000000",
	"nonce":"0x0000000000000000",
	"baseFeePerGas":"0x3b9aca00",
	"hash":"0x0000000000000000000000000000000000000000000000000000000000000001"
}`

var zeroBloom = strings.Repeat("0", 512)

func receiptJSON(hash common.Hash, status string) string {
	return `{
		"type":"0x2",
		"status":"` + status + `",
		"cumulativeGasUsed":"0x5208",
		"logsBloom":"0x` + zeroBloom + `",
		"logs":[],
		"transactionHash":"` + hash.Hex() + `",
		"contractAddress":null,
		"gasUsed":"0x5208",
		"effectiveGasPrice":"0x3b9aca00",
		"blockHash":"0x0000000000000000000000000000000000000000000000000000000000000002",
		"blockNumber":"0x10",
		"transactionIndex":"0x0"
	}`
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, rawIDOrDefault(id), result)
}

func writeRaw(w http.ResponseWriter, id json.RawMessage, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, rawIDOrDefault(id), result)
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%q}}`, rawIDOrDefault(id), code, message)
}

func rawIDOrDefault(id json.RawMessage) string {
	if len(id) == 0 {
		return "1"
	}
	return string(id)
}

// MustABI parses an ABI fragment or fails the test binary.
func MustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
