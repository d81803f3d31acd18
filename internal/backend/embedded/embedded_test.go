package embedded

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/cointerm/internal/backend"
	"github.com/Klingon-tech/cointerm/internal/chainindex"
	"github.com/Klingon-tech/cointerm/internal/errs"
	"github.com/Klingon-tech/cointerm/internal/explorer"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/storage"
	"github.com/Klingon-tech/cointerm/internal/wallet"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	tipHash      = "00000000000000000002aa0000000000000000000000000000000000000000aa"
	firstTx      = "3333333333333333333333333333333333333333333333333333333333333333"
	secondTx     = "4444444444444444444444444444444444444444444444444444444444444444"
	foreignAddr  = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

	// prunedHeight is a block the explorer cannot serve.
	prunedHeight = 150

	genesisCoinbase = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
)

var fastKDF = wallet.KDFParams{Memory: 64, Iterations: 1, Parallelism: 1}

type fakeChain struct {
	mu        sync.Mutex
	hits      map[string]int
	histories map[string]string
}

func (f *fakeChain) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeChain) setHistory(addr, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories[addr] = body
}

func p2pkh(t *testing.T, addr string) string {
	t.Helper()
	a, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(a)
	require.NoError(t, err)
	return hex.EncodeToString(script)
}

// receiveHistory lists one transaction paying value to addr at height.
func receiveHistory(t *testing.T, addr, hash string, height, when, value int64) string {
	return fmt.Sprintf(`{"address": %q, "n_tx": 1, "total_received": %d, "total_sent": 0,
		"final_balance": %d, "txs": [{"hash": %q, "block_height": %d, "time": %d, "result": %d,
		"inputs": [], "out": [{"n": 0, "value": %d, "script": %q}]}]}`,
		addr, value, value, hash, height, when, value, value, p2pkh(t, addr))
}

func newFakeChain(t *testing.T) (*fakeChain, *httptest.Server) {
	t.Helper()
	f := &fakeChain{hits: make(map[string]int), histories: make(map[string]string)}
	minerScript := p2pkh(t, foreignAddr)

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			f.hits[req.URL.Path]++
			f.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/latestblock", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"hash": %q, "height": 200, "time": 1700000600}`, tipHash)
	})
	r.HandleFunc("/rawaddr/{addr}", func(w http.ResponseWriter, req *http.Request) {
		addr := mux.Vars(req)["addr"]
		f.mu.Lock()
		body, ok := f.histories[addr]
		f.mu.Unlock()
		if !ok {
			body = fmt.Sprintf(`{"address": %q, "n_tx": 0, "final_balance": 0, "txs": []}`, addr)
		}
		fmt.Fprint(w, body)
	})
	r.HandleFunc("/block-height/{height}", func(w http.ResponseWriter, req *http.Request) {
		height, err := strconv.ParseInt(mux.Vars(req)["height"], 10, 64)
		if err != nil || height == prunedHeight {
			http.NotFound(w, req)
			return
		}
		fmt.Fprintf(w, `{"blocks": [{"hash": "%064x", "ver": 2, "prev_block": %q, "time": 1700000000,
			"n_tx": 1, "main_chain": true, "height": %d,
			"tx": [{"hash": "%064x", "ver": 1, "inputs": [{"sequence": 4294967295, "script": "03c30200"}],
				"out": [{"n": 0, "value": 625000000, "script": %q}]}]}]}`,
			height, tipHash, height, height+1<<32, minerScript)
	})
	r.HandleFunc("/rawtx/{hash}", func(w http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["hash"] != genesisCoinbase {
			http.NotFound(w, req)
			return
		}
		// The JSON form lacks the output script; the serialized form is complete.
		if req.URL.Query().Get("format") == "hex" {
			var buf bytes.Buffer
			if err := chaincfg.MainNetParams.GenesisBlock.Transactions[0].Serialize(&buf); err != nil {
				t.Errorf("serialize: %v", err)
			}
			fmt.Fprint(w, hex.EncodeToString(buf.Bytes()))
			return
		}
		fmt.Fprintf(w, `{"hash": %q, "ver": 1, "inputs": [{"script": "04ffff001d"}], "out": [{"n": 0, "value": 5000000000}]}`, genesisCoinbase)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

type fixture struct {
	backend *Backend
	wallet  *wallet.Wallet
	chain   *fakeChain
}

func newFixture(t *testing.T, withChain bool) *fixture {
	t.Helper()
	klog.Disable()

	w, err := wallet.Create(filepath.Join(t.TempDir(), "wallet.json"), &chaincfg.MainNetParams, testMnemonic, "", fastKDF)
	require.NoError(t, err)
	idx, err := chainindex.New(storage.NewMemory())
	require.NoError(t, err)

	opts := Options{Wallet: w, Index: idx, RefreshInterval: time.Hour}
	var fc *fakeChain
	if withChain {
		var srv *httptest.Server
		fc, srv = newFakeChain(t)
		opts.Chain, err = explorer.New(explorer.Options{BaseURL: srv.URL, Params: &chaincfg.MainNetParams, Index: idx})
		require.NoError(t, err)
	}
	b, err := New(opts)
	require.NoError(t, err)
	return &fixture{backend: b, wallet: w, chain: fc}
}

func TestNew_RequiresWalletAndIndex(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestEmbedded_Stats(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	savings, err := f.backend.CreateAddress(ctx, "savings")
	require.NoError(t, err)
	spare, err := f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	f.chain.setHistory(savings, receiveHistory(t, savings, firstTx, 190, 1700000100, 700_000_000))

	stats, err := f.backend.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Amount(700_000_000), stats.Balance)
	require.Equal(t, map[string]types.Amount{"": 0, "savings": 700_000_000}, stats.Accounts)
	require.Len(t, stats.Addresses, 2)
	require.False(t, stats.Encrypted)
	require.Equal(t, int64(200), stats.Info.Blocks)
	require.Nil(t, stats.Info.UnlockedUntil)
	require.Equal(t, int64(f.wallet.KeyPoolSize()), stats.Info.KeyPoolSize)

	require.Len(t, stats.Transactions, 1)
	tx := stats.Transactions[0]
	require.Equal(t, firstTx, tx.Hash)
	require.Equal(t, types.CategoryReceive, tx.Category)
	require.Equal(t, "savings", tx.Account)
	require.Equal(t, savings, tx.Address)
	require.Equal(t, types.Amount(700_000_000), tx.Totals.Net)
	require.Equal(t, int64(11), tx.Confirmations)

	// Concurrent stats queries share one fetch per address.
	require.Equal(t, 1, f.chain.count("/rawaddr/"+savings))
	require.Equal(t, 1, f.chain.count("/rawaddr/"+spare))
	// The block of the wallet transaction is indexed once.
	require.Equal(t, 1, f.chain.count("/block-height/190"))
}

func TestEmbedded_UnindexedBlockHasNoConfirmations(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.backend.CreateAddress(ctx, "shop")
	require.NoError(t, err)
	f.chain.setHistory(a, receiveHistory(t, a, firstTx, prunedHeight, 1700000100, 42_000))

	txs, err := f.backend.GetTransactions(ctx, "*", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, int64(0), txs[0].Confirmations)
	require.Equal(t, 1, f.chain.count(fmt.Sprintf("/block-height/%d", prunedHeight)))

	rcv, err := f.backend.ListReceivedByAddress(ctx, 1, false)
	require.NoError(t, err)
	require.Empty(t, rcv)
}

func TestEmbedded_BlockIndexedOncePerRefresh(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	b, err := f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	f.chain.setHistory(a, receiveHistory(t, a, firstTx, 190, 1700000100, 1000))
	f.chain.setHistory(b, receiveHistory(t, b, secondTx, 190, 1700000100, 2000))

	txs, err := f.backend.GetTransactions(ctx, "*", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		require.Equal(t, int64(11), tx.Confirmations)
	}
	require.Equal(t, 1, f.chain.count("/block-height/190"))

	f.backend.invalidate()
	_, err = f.backend.GetTransactions(ctx, "*", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, f.chain.count("/block-height/190"))
}

func TestEmbedded_TransactionFallsBackToSerializedForm(t *testing.T) {
	f := newFixture(t, true)

	tx, err := f.backend.GetTransaction(context.Background(), genesisCoinbase)
	require.NoError(t, err)
	require.Equal(t, genesisCoinbase, tx.Hash)
	require.True(t, tx.IsCoinbase())
	require.Equal(t, foreignAddr, tx.Outputs[0].Address)
	require.Equal(t, types.Amount(5_000_000_000), tx.Outputs[0].Value)
	require.Equal(t, 2, f.chain.count("/rawtx/"+genesisCoinbase))
}

func TestEmbedded_RefreshAfterNewAddress(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	_, err = f.backend.GetTotalBalance(ctx)
	require.NoError(t, err)
	_, err = f.backend.GetTotalBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.chain.count("/rawaddr/"+a))

	b, err := f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	f.chain.setHistory(b, receiveHistory(t, b, secondTx, 195, 1700000200, 50_000))
	bal, err := f.backend.GetTotalBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Amount(50_000), bal)
	require.Equal(t, 2, f.chain.count("/rawaddr/"+a))
}

func TestEmbedded_TransactionsPaging(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.backend.CreateAddress(ctx, "rent")
	require.NoError(t, err)
	b, err := f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	f.chain.setHistory(a, receiveHistory(t, a, firstTx, 190, 1700000100, 1000))
	f.chain.setHistory(b, receiveHistory(t, b, secondTx, 195, 1700000200, 2000))

	txs, err := f.backend.GetTransactions(ctx, "*", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, firstTx, txs[0].Hash)
	require.Equal(t, secondTx, txs[1].Hash)

	txs, err = f.backend.GetTransactions(ctx, "*", 1, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, secondTx, txs[0].Hash)

	txs, err = f.backend.GetTransactions(ctx, "*", 1, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, firstTx, txs[0].Hash)

	txs, err = f.backend.GetTransactions(ctx, "rent", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "rent", txs[0].Account)

	txs, err = f.backend.GetTransactions(ctx, "*", 10, 5)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestEmbedded_ListReceived(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.backend.CreateAddress(ctx, "shop")
	require.NoError(t, err)
	_, err = f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	f.chain.setHistory(a, receiveHistory(t, a, firstTx, 190, 1700000100, 42_000))

	rcv, err := f.backend.ListReceivedByAddress(ctx, 1, false)
	require.NoError(t, err)
	require.Equal(t, []types.Received{{Address: a, Account: "shop", Amount: 42_000, Confirmations: 11}}, rcv)

	rcv, err = f.backend.ListReceivedByAddress(ctx, 1, true)
	require.NoError(t, err)
	require.Len(t, rcv, 2)

	rcv, err = f.backend.ListReceivedByAddress(ctx, 20, false)
	require.NoError(t, err)
	require.Empty(t, rcv)
}

func TestEmbedded_TransactionServedFromIndex(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	f.chain.setHistory(a, receiveHistory(t, a, firstTx, 190, 1700000100, 1000))
	_, err = f.backend.GetTotalBalance(ctx)
	require.NoError(t, err)

	tx, err := f.backend.GetTransaction(ctx, firstTx)
	require.NoError(t, err)
	require.Equal(t, firstTx, tx.Hash)
	require.Equal(t, int64(11), tx.Confirmations)
	require.Equal(t, 0, f.chain.count("/rawtx/"+firstTx))

	_, err = f.backend.GetTransaction(ctx, secondTx)
	require.True(t, errs.IsNotFound(err))
	require.Equal(t, 1, f.chain.count("/rawtx/"+secondTx))
}

func TestEmbedded_WithoutChain(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	bal, err := f.backend.GetTotalBalance(ctx)
	require.NoError(t, err)
	require.Zero(t, bal)

	_, err = f.backend.GetBlockByHeight(ctx, 1)
	require.True(t, errs.IsNotFound(err))
	_, err = f.backend.GetTransaction(ctx, firstTx)
	require.True(t, errs.IsNotFound(err))
}

func TestEmbedded_Unsupported(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.backend.Send(ctx, foreignAddr, 1)
	require.True(t, backend.IsUnsupported(err))
	_, err = f.backend.SendFrom(ctx, "", foreignAddr, 1)
	require.True(t, backend.IsUnsupported(err))
	_, err = f.backend.Move(ctx, "a", "b", 1)
	require.True(t, backend.IsUnsupported(err))
	_, err = f.backend.GetGenerate(ctx)
	require.True(t, backend.IsUnsupported(err))
	require.True(t, backend.IsUnsupported(f.backend.SetGenerate(ctx, true, 1)))
	_, err = f.backend.GetMiningInfo(ctx)
	require.True(t, backend.IsUnsupported(err))
	_, err = f.backend.StartServer(ctx)
	require.True(t, backend.IsUnsupported(err))
	require.True(t, backend.IsUnsupported(f.backend.StopServer(ctx)))
}

func TestEmbedded_EncryptionFlow(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	addr, err := f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	require.NoError(t, f.backend.Encrypt(ctx, "hunter2"))

	enc, err := f.backend.IsEncrypted(ctx)
	require.NoError(t, err)
	require.True(t, enc)

	info, err := f.backend.GetInfo(ctx)
	require.NoError(t, err)
	require.NotNil(t, info.UnlockedUntil)
	require.Zero(t, *info.UnlockedUntil)

	_, err = f.backend.SignMessage(ctx, addr, "hello")
	require.ErrorIs(t, err, wallet.ErrLocked)

	require.ErrorIs(t, f.backend.Decrypt(ctx, "wrong", time.Minute), wallet.ErrWrongPassphrase)
	require.NoError(t, f.backend.Decrypt(ctx, "hunter2", time.Minute))
	require.NoError(t, f.backend.Decrypt(ctx, "hunter2", time.Minute), "already unlocked")

	info, err = f.backend.GetInfo(ctx)
	require.NoError(t, err)
	require.Greater(t, *info.UnlockedUntil, time.Now().Unix())

	sig, err := f.backend.SignMessage(ctx, addr, "hello")
	require.NoError(t, err)
	ok, err := f.backend.VerifyMessage(ctx, addr, sig, "hello")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.backend.ChangePassphrase(ctx, "hunter2", "correct horse"))
	require.NoError(t, f.backend.ForgetKey(ctx))
	require.NoError(t, f.backend.Decrypt(ctx, "correct horse", 0))
	require.NoError(t, f.backend.Close())
	require.True(t, f.wallet.IsLocked())
}

func TestEmbedded_DeleteAccount(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.backend.CreateAddress(ctx, "old")
		require.NoError(t, err)
	}
	require.Error(t, f.backend.DeleteAccount(ctx, ""))
	require.NoError(t, f.backend.DeleteAccount(ctx, "old"))

	accounts, err := f.backend.GetAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]types.Amount{"": 0}, accounts)
	require.Empty(t, f.wallet.AddressesByLabel("old"))
}

func TestEmbedded_KeysAndDumps(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	addr, err := f.backend.CreateAddress(ctx, "")
	require.NoError(t, err)
	wif, err := f.backend.DumpPrivKey(ctx, addr)
	require.NoError(t, err)

	dump := filepath.Join(t.TempDir(), "dump.txt")
	require.NoError(t, f.backend.DumpWallet(ctx, dump))

	other := newFixture(t, false)
	require.NoError(t, other.backend.ImportWallet(ctx, dump))
	got, err := other.backend.DumpPrivKey(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, wif, got)

	third := newFixture(t, false)
	require.NoError(t, third.backend.ImportPrivKey(ctx, wif, "imported", true))
	accounts, err := third.backend.GetAccounts(ctx)
	require.NoError(t, err)
	require.Contains(t, accounts, "imported")

	require.NoError(t, f.backend.KeyPoolRefill(ctx, 5))
	backup := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, f.backend.BackupWallet(ctx, backup))
	loaded, err := wallet.Load(backup, &chaincfg.MainNetParams, fastKDF)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loaded.Addresses()[0].Address, "1"))
}

func TestWalletView(t *testing.T) {
	owned := map[string]string{"1Mine": "main", "1Change": ""}
	tx := &types.Transaction{
		Hash:    firstTx,
		Inputs:  []types.Input{{Address: "1Mine", Value: 1000}},
		Outputs: []types.Output{{Address: "1Other", Value: 600}, {Address: "1Change", Value: 350}},
		Totals:  types.ValueTotals{In: 1000, Out: 950, Fee: 50},
	}
	view := walletView(tx, owned)
	require.Equal(t, types.CategorySend, view.Category)
	require.Equal(t, types.Amount(-650), view.Totals.Net)
	require.Equal(t, "1Other", view.Address)
	require.Equal(t, "", view.Account)
	require.Empty(t, tx.Category, "input is not modified")
}

func TestWalletView_CoinbaseMaturity(t *testing.T) {
	owned := map[string]string{"1Mine": "miner"}
	tests := []struct {
		confs int64
		want  string
	}{
		{0, types.CategoryImmature},
		{1, types.CategoryImmature},
		{100, types.CategoryImmature},
		{101, types.CategoryGenerate},
		{500, types.CategoryGenerate},
	}
	for _, tt := range tests {
		tx := &types.Transaction{
			Hash:          firstTx,
			Inputs:        []types.Input{{Coinbase: true}},
			Outputs:       []types.Output{{Address: "1Mine", Value: 625_000_000}},
			Confirmations: tt.confs,
		}
		view := walletView(tx, owned)
		require.Equal(t, tt.want, view.Category, "confirmations %d", tt.confs)
		require.Equal(t, "miner", view.Account)
	}
}
