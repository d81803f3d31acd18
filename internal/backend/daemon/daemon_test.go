package daemon

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/cointerm/internal/backend"
	"github.com/Klingon-tech/cointerm/internal/errs"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/normalize"
	"github.com/Klingon-tech/cointerm/internal/rpcclient"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

type handler func(params []json.RawMessage) (any, *errs.RPCError)

type fakeDaemon struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]handler
	calls    []string
	bodies   []string
}

type rpcRequest struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	ID     uint64         `json:"id"`
	Result any            `json:"result"`
	Error  *errs.RPCError `json:"error"`
}

func (f *fakeDaemon) handle(req rpcRequest) rpcResponse {
	f.mu.Lock()
	f.calls = append(f.calls, req.Method)
	h, ok := f.handlers[req.Method]
	f.mu.Unlock()
	if !ok {
		return rpcResponse{ID: req.ID, Error: &errs.RPCError{Code: -32601, Message: "Method not found"}}
	}
	res, rpcErr := h(req.Params)
	return rpcResponse{ID: req.ID, Result: res, Error: rpcErr}
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		var reqs []rpcRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			f.t.Errorf("decode batch: %v", err)
		}
		resps := make([]rpcResponse, len(reqs))
		for i, req := range reqs {
			resps[i] = f.handle(req)
		}
		json.NewEncoder(w).Encode(resps)
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		f.t.Errorf("decode request: %v", err)
	}
	resp := f.handle(req)
	if resp.Error != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeDaemon) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func raw(s string) handler {
	return func([]json.RawMessage) (any, *errs.RPCError) {
		return json.RawMessage(s), nil
	}
}

func fail(code int, msg string) handler {
	return func([]json.RawMessage) (any, *errs.RPCError) {
		return nil, &errs.RPCError{Code: code, Message: msg}
	}
}

func newTestBackend(t *testing.T, handlers map[string]handler, gate *rpcclient.Gate) (*Backend, *fakeDaemon) {
	t.Helper()
	klog.Disable()
	f := &fakeDaemon{t: t, handlers: handlers}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	client := rpcclient.New(rpcclient.Options{
		Host:        host,
		Port:        port,
		User:        "u",
		Password:    "p",
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
		Gate:        gate,
	})
	return New(client, nil, normalize.New(&chaincfg.MainNetParams, nil)), f
}

const infoJSON = `{"version": 80500, "protocolversion": 70002, "walletversion": 60000,
	"balance": 1.5, "blocks": 300000, "connections": 8, "difficulty": 1.0, "testnet": false,
	"keypoololdest": 1400000000, "keypoolsize": 101, "paytxfee": 0.0001, "errors": ""}`

func TestGetStats_EndToEnd(t *testing.T) {
	b, _ := newTestBackend(t, map[string]handler{
		"getbalance":       raw(`1.5`),
		"listaccounts":     raw(`{}`),
		"listtransactions": raw(`[]`),
		"getinfo":          raw(infoJSON),
	}, nil)

	stats, err := b.GetStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.Amount(150_000_000), stats.Balance)
	require.Empty(t, stats.Accounts)
	require.NotNil(t, stats.Accounts)
	require.Empty(t, stats.Transactions)
	require.Empty(t, stats.Addresses)
	require.False(t, stats.Encrypted)
	require.Equal(t, int64(300000), stats.Info.Blocks)
	require.Equal(t, types.Amount(10_000), stats.Info.PayTxFee)

	out, err := json.Marshal(stats)
	require.NoError(t, err)
	require.Contains(t, string(out), `"balance":1.5`)
	require.Contains(t, string(out), `"accounts":{}`)
	require.Contains(t, string(out), `"transactions":[]`)
	require.Contains(t, string(out), `"encrypted":false`)
}

func TestGetStats_PartialFailure(t *testing.T) {
	b, _ := newTestBackend(t, map[string]handler{
		"getbalance":       raw(`1.5`),
		"listaccounts":     raw(`{}`),
		"listtransactions": raw(`[]`),
		"getinfo":          fail(-28, "Loading block index..."),
	}, nil)

	_, err := b.GetStats(context.Background())
	require.Error(t, err)
	var je *backend.JoinError
	require.ErrorAs(t, err, &je)
	require.Contains(t, je.Keys(), backend.StatInfo)
	require.Contains(t, je.Keys(), backend.StatEncrypted)
	require.Contains(t, err.Error(), "Loading block index...")
	require.Equal(t, -28, errs.Code(err))
}

func TestGetAddresses_ResolvesAccounts(t *testing.T) {
	b, f := newTestBackend(t, map[string]handler{
		"listaccounts": raw(`{"": 0.5, "savings": 1}`),
		"getaddressesbyaccount": func(params []json.RawMessage) (any, *errs.RPCError) {
			var account string
			json.Unmarshal(params[0], &account)
			if account == "savings" {
				return []string{"1Savings"}, nil
			}
			return []string{"1DefaultA", "1DefaultB"}, nil
		},
	}, nil)

	addrs, err := b.GetAddresses(context.Background())
	require.NoError(t, err)
	require.Equal(t, []types.Address{
		{Name: "", Address: "1DefaultA"},
		{Name: "", Address: "1DefaultB"},
		{Name: "savings", Address: "1Savings"},
	}, addrs)
	require.Equal(t, []string{"listaccounts", "getaddressesbyaccount", "getaddressesbyaccount"}, f.methods())
}

func TestGetTransactions_SkipsBadRecords(t *testing.T) {
	b, _ := newTestBackend(t, map[string]handler{
		"listtransactions": func(params []json.RawMessage) (any, *errs.RPCError) {
			require.JSONEq(t, `"*"`, string(params[0]))
			require.JSONEq(t, `5`, string(params[1]))
			return json.RawMessage(`[
				{"txid": "` + hash('a') + `", "category": "receive", "amount": 0.25, "address": "1A", "confirmations": 3},
				{"category": "receive"}
			]`), nil
		},
	}, nil)

	txs, err := b.GetTransactions(context.Background(), "", 5, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, types.Amount(25_000_000), txs[0].Totals.Net)
}

func hash(c byte) string {
	return string(bytes.Repeat([]byte{c}, 64))
}

func TestSend_ExactAmountParam(t *testing.T) {
	const addr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	b, f := newTestBackend(t, map[string]handler{
		"sendtoaddress": raw(`"` + hash('b') + `"`),
	}, nil)

	txid, err := b.Send(context.Background(), " "+addr+" ", 123_456_789)
	require.NoError(t, err)
	require.Equal(t, hash('b'), txid)
	require.Contains(t, f.bodies[0], `"params":["`+addr+`",1.23456789]`)

	_, err = b.Send(context.Background(), "not-an-address", 1)
	require.Error(t, err)
	var ce *errs.CallError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "sendtoaddress", ce.Method)
	require.Len(t, f.methods(), 1)
}

func TestDecrypt(t *testing.T) {
	b, _ := newTestBackend(t, map[string]handler{
		"walletpassphrase": fail(-17, "Error: Wallet is already unlocked."),
	}, nil)
	require.NoError(t, b.Decrypt(context.Background(), "secret", time.Minute))

	b, _ = newTestBackend(t, map[string]handler{
		"walletpassphrase": fail(-14, "Error: The wallet passphrase entered was incorrect."),
	}, nil)
	err := b.Decrypt(context.Background(), "secret", time.Minute)
	require.Error(t, err)
	require.Equal(t, -14, errs.Code(err))
	require.NotContains(t, err.Error(), "secret")
}

func TestDecrypt_SendsSeconds(t *testing.T) {
	b, f := newTestBackend(t, map[string]handler{"walletpassphrase": raw(`null`)}, nil)
	require.NoError(t, b.Decrypt(context.Background(), "pw", 90*time.Second))
	require.Contains(t, f.bodies[0], `"params":["pw",90]`)
}

func TestIsEncrypted(t *testing.T) {
	b, _ := newTestBackend(t, map[string]handler{
		"getinfo": raw(`{"version": 1, "unlocked_until": 0}`),
	}, nil)
	enc, err := b.IsEncrypted(context.Background())
	require.NoError(t, err)
	require.True(t, enc)
}

func TestDeleteAccount_RelabelsSequentially(t *testing.T) {
	var mu sync.Mutex
	var relabeled [][2]string
	b, _ := newTestBackend(t, map[string]handler{
		"getaddressesbyaccount": raw(`["1One", "1Two", "1Three"]`),
		"setaccount": func(params []json.RawMessage) (any, *errs.RPCError) {
			var addr, acct string
			json.Unmarshal(params[0], &addr)
			json.Unmarshal(params[1], &acct)
			mu.Lock()
			relabeled = append(relabeled, [2]string{addr, acct})
			mu.Unlock()
			if addr == "1Two" {
				return nil, &errs.RPCError{Code: -5, Message: "Invalid address"}
			}
			return nil, nil
		},
	}, nil)

	err := b.DeleteAccount(context.Background(), "old")
	require.Error(t, err)
	require.Equal(t, [][2]string{{"1One", ""}, {"1Two", ""}}, relabeled)

	require.Error(t, b.DeleteAccount(context.Background(), ""))
}

func TestGetTransaction_FallsBackToRaw(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, chaincfg.MainNetParams.GenesisBlock.Transactions[0].Serialize(&buf))
	genesisTx := chaincfg.MainNetParams.GenesisBlock.Transactions[0].TxHash().String()

	b, f := newTestBackend(t, map[string]handler{
		"gettransaction":    fail(-5, "Invalid or non-wallet transaction id"),
		"getrawtransaction": raw(`"` + hex.EncodeToString(buf.Bytes()) + `"`),
	}, nil)

	tx, err := b.GetTransaction(context.Background(), genesisTx)
	require.NoError(t, err)
	require.Equal(t, genesisTx, tx.Hash)
	require.True(t, tx.IsCoinbase())
	require.Len(t, f.bodies, 1, "both lookups travel in one batch")
}

func TestGetTransaction_WalletView(t *testing.T) {
	b, _ := newTestBackend(t, map[string]handler{
		"gettransaction": raw(`{"txid": "` + hash('c') + `", "amount": -0.1, "fee": -0.0001, "confirmations": 2,
			"details": [{"account": "", "address": "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "category": "send", "amount": -0.1, "vout": 0}]}`),
		"getrawtransaction": fail(-5, "No information available about transaction"),
	}, nil)

	tx, err := b.GetTransaction(context.Background(), hash('c'))
	require.NoError(t, err)
	require.Equal(t, hash('c'), tx.Hash)
	require.Equal(t, int64(2), tx.Confirmations)

	b, _ = newTestBackend(t, map[string]handler{
		"gettransaction":    fail(-5, "Invalid or non-wallet transaction id"),
		"getrawtransaction": fail(-5, "No information available about transaction"),
	}, nil)
	_, err = b.GetTransaction(context.Background(), hash('d'))
	require.Equal(t, -5, errs.Code(err))
}

func TestGetBlockByHeight(t *testing.T) {
	b, f := newTestBackend(t, map[string]handler{
		"getblockhash": raw(`"` + hash('e') + `"`),
		"getblock": raw(`{"hash": "` + hash('e') + `", "confirmations": 4, "size": 215, "height": 7,
			"version": 1, "merkleroot": "ab", "tx": ["` + hash('f') + `"], "time": 1231006505,
			"nonce": 2083236893, "bits": "1d00ffff", "previousblockhash": "` + hash('0') + `"}`),
	}, nil)

	blk, err := b.GetBlockByHeight(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), blk.Height)
	require.Equal(t, uint32(0x1d00ffff), blk.Bits)
	require.Equal(t, []string{hash('f')}, blk.TxIDs)
	require.Equal(t, []string{"getblockhash", "getblock"}, f.methods())
}

func TestSuspendedGateResolvesEmpty(t *testing.T) {
	gate := rpcclient.NewGate()
	gate.Suspend()
	b, f := newTestBackend(t, map[string]handler{}, gate)

	bal, err := b.GetTotalBalance(context.Background())
	require.NoError(t, err)
	require.Zero(t, bal)

	stats, err := b.GetStats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Balance)
	require.Empty(t, f.methods())

	tx, err := b.GetTransaction(context.Background(), hash('a'))
	require.NoError(t, err)
	require.Nil(t, tx)
}

func TestServerControlWithoutSupervisor(t *testing.T) {
	b, _ := newTestBackend(t, map[string]handler{}, nil)
	_, err := b.StartServer(context.Background())
	require.True(t, backend.IsUnsupported(err))
	require.True(t, backend.IsUnsupported(b.StopServer(context.Background())))
}

type fakeSupervisor struct {
	started, stopped int
}

func (s *fakeSupervisor) Start(context.Context) (bool, error) {
	s.started++
	return s.started == 1, nil
}

func (s *fakeSupervisor) Stop(context.Context) error {
	s.stopped++
	return nil
}

func TestServerControlDelegates(t *testing.T) {
	b, _ := newTestBackend(t, map[string]handler{}, nil)
	sup := &fakeSupervisor{}
	b.sup = sup

	started, err := b.StartServer(context.Background())
	require.NoError(t, err)
	require.True(t, started)
	started, err = b.StartServer(context.Background())
	require.NoError(t, err)
	require.False(t, started)
	require.NoError(t, b.StopServer(context.Background()))
	require.Equal(t, 1, sup.stopped)
}
