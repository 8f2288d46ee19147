package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"go.uber.org/zap"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

type call struct {
	path   string
	method string
	params []any
}

// fakeNode is a minimal bitcoind JSON-RPC endpoint.
type fakeNode struct {
	mu       sync.Mutex
	calls    []call
	loaded   bool
	wallets  []string
	authSeen string
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, call{path: r.URL.Path, method: req.Method, params: req.Params})
	n.authSeen = r.Header.Get("Authorization")

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "getnewaddress":
		if !n.loaded {
			resp["error"] = map[string]any{"code": -18, "message": "Requested wallet does not exist or is not loaded"}
		} else {
			resp["result"] = "bc1qgenerated"
		}
	case "listwalletdir":
		wallets := make([]map[string]string, 0, len(n.wallets))
		for _, name := range n.wallets {
			wallets = append(wallets, map[string]string{"name": name})
		}
		resp["result"] = map[string]any{"wallets": wallets}
	case "loadwallet", "createwallet":
		n.loaded = true
		resp["result"] = map[string]any{"name": req.Params[0]}
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "Method not found"}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.calls))
	for _, c := range n.calls {
		out = append(out, c.method)
	}
	return out
}

func newService(t *testing.T, node *fakeNode, cfg Config) *BitcoindService {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	cfg.URL = srv.URL
	svc, err := NewBitcoindService(cfg, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestBitcoindService_LoadedWallet(t *testing.T) {
	node := &fakeNode{loaded: true}
	svc := newService(t, node, Config{User: "user", Password: "pass"})

	address, err := svc.GenerateDepositAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bc1qgenerated", address)
	assert.Equal(t, []string{"getnewaddress"}, node.methods())
	assert.Equal(t, "Basic dXNlcjpwYXNz", node.authSeen)
	assert.Equal(t, []any{AddressLabel}, node.calls[0].params)
}

func TestBitcoindService_LoadsExistingWallet(t *testing.T) {
	node := &fakeNode{wallets: []string{"main"}}
	svc := newService(t, node, Config{})

	address, err := svc.GenerateDepositAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bc1qgenerated", address)
	assert.Equal(t, []string{"getnewaddress", "listwalletdir", "loadwallet", "getnewaddress"}, node.methods())
	assert.Equal(t, []any{"main"}, node.calls[2].params)
}

func TestBitcoindService_CreatesWallet(t *testing.T) {
	node := &fakeNode{}
	svc := newService(t, node, Config{WalletName: "dca"})

	_, err := svc.GenerateDepositAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"getnewaddress", "listwalletdir", "createwallet", "getnewaddress"}, node.methods())
	assert.Equal(t, "/wallet/dca", node.calls[0].path)
	assert.Equal(t, []any{"dca"}, node.calls[2].params)
}

func TestNewBitcoindService_RequiresURL(t *testing.T) {
	_, err := NewBitcoindService(Config{}, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
