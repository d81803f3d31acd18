// Package daemon implements the wallet backend on top of a bitcoind-family
// daemon reached over JSON-RPC.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Klingon-tech/cointerm/config"
	"github.com/Klingon-tech/cointerm/internal/backend"
	"github.com/Klingon-tech/cointerm/internal/errs"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/normalize"
	"github.com/Klingon-tech/cointerm/internal/rpcclient"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// Transport is the RPC surface the backend needs. *rpcclient.Client
// satisfies it.
type Transport interface {
	Call(ctx context.Context, method string, params []any, result any) error
	Batch(ctx context.Context, calls []*rpcclient.BatchCall) error
}

// Supervisor starts and stops the daemon process.
type Supervisor interface {
	Start(ctx context.Context) (bool, error)
	Stop(ctx context.Context) error
}

// Backend maps wallet operations to daemon RPC methods.
type Backend struct {
	rpc  Transport
	sup  Supervisor
	norm *normalize.Normalizer
}

var _ backend.Backend = (*Backend)(nil)

// New creates a daemon backend. sup may be nil when the daemon is managed
// elsewhere; StartServer and StopServer are then unsupported.
func New(rpc Transport, sup Supervisor, norm *normalize.Normalizer) *Backend {
	return &Backend{rpc: rpc, sup: sup, norm: norm}
}

// Kind implements backend.Backend.
func (b *Backend) Kind() config.BackendKind {
	return config.BackendDaemon
}

// secretMethods carry passphrases or keys in their parameters.
var secretMethods = map[string]bool{
	"encryptwallet":          true,
	"walletpassphrase":       true,
	"walletpassphrasechange": true,
	"importprivkey":          true,
}

func callError(method string, params []any, err error) error {
	if secretMethods[method] {
		params = []any{"<redacted>"}
	}
	return &errs.CallError{Method: method, Params: params, Err: err}
}

// call runs method and returns its raw result. An empty result means the
// transport gate was suspended or the daemon returned null.
func (b *Backend) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := b.rpc.Call(ctx, method, params, &raw); err != nil {
		return nil, callError(method, params, err)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

// callInto runs method and decodes a non-empty result into v.
func (b *Backend) callInto(ctx context.Context, method string, v any, params ...any) error {
	raw, err := b.call(ctx, method, params...)
	if err != nil || len(raw) == 0 {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return callError(method, params, &errs.ProtocolError{Status: 200, Body: string(raw), Err: err})
	}
	return nil
}

// GetStats implements backend.Backend.
func (b *Backend) GetStats(ctx context.Context) (*types.Stats, error) {
	return backend.Stats(ctx, b)
}

// GetInfo implements backend.Backend.
func (b *Backend) GetInfo(ctx context.Context) (*types.Info, error) {
	raw, err := b.call(ctx, "getinfo")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return &types.Info{}, nil
	}
	info, err := b.norm.NodeInfo(raw)
	if err != nil {
		return nil, callError("getinfo", nil, err)
	}
	return info, nil
}

// GetAccounts implements backend.Backend.
func (b *Backend) GetAccounts(ctx context.Context) (map[string]types.Amount, error) {
	raw, err := b.call(ctx, "listaccounts")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]types.Amount{}, nil
	}
	accounts, err := b.norm.NodeAccounts(raw)
	if err != nil {
		return nil, callError("listaccounts", nil, err)
	}
	return accounts, nil
}

// GetAddresses implements backend.Backend. Accounts are resolved one at a
// time so a large wallet does not flood the daemon.
func (b *Backend) GetAddresses(ctx context.Context) ([]types.Address, error) {
	accounts, err := b.GetAccounts(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(accounts))
	for name := range accounts {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []types.Address{}
	err = backend.ForEach(ctx, names, func(ctx context.Context, name string) error {
		addrs, err := b.addressesByAccount(ctx, name)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			out = append(out, types.Address{Name: name, Address: a})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) addressesByAccount(ctx context.Context, account string) ([]string, error) {
	var addrs []string
	if err := b.callInto(ctx, "getaddressesbyaccount", &addrs, account); err != nil {
		return nil, err
	}
	return addrs, nil
}

// GetTransactions implements backend.Backend. Records that fail to
// normalize are logged and skipped.
func (b *Backend) GetTransactions(ctx context.Context, account string, count, from int) ([]types.Transaction, error) {
	if account == "" {
		account = "*"
	}
	raw, err := b.call(ctx, "listtransactions", account, count, from)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return []types.Transaction{}, nil
	}
	txs, failures := b.norm.NodeTransactions(raw)
	for _, f := range failures {
		klog.Backend.Warn().Err(f).Msg("Skipping transaction")
	}
	if txs == nil {
		txs = []types.Transaction{}
	}
	return txs, nil
}

// GetTotalBalance implements backend.Backend.
func (b *Backend) GetTotalBalance(ctx context.Context) (types.Amount, error) {
	raw, err := b.call(ctx, "getbalance")
	if err != nil || len(raw) == 0 {
		return 0, err
	}
	amount, err := b.norm.NodeAmount(raw)
	if err != nil {
		return 0, callError("getbalance", nil, err)
	}
	return amount, nil
}

func (b *Backend) address(method, address string) (string, error) {
	addr, err := b.norm.AddressParam(address)
	if err != nil {
		return "", callError(method, []any{address}, err)
	}
	return addr, nil
}

// Send implements backend.Backend.
func (b *Backend) Send(ctx context.Context, address string, amount types.Amount) (string, error) {
	addr, err := b.address("sendtoaddress", address)
	if err != nil {
		return "", err
	}
	var txid string
	err = b.callInto(ctx, "sendtoaddress", &txid, addr, normalize.AmountParam(amount))
	return txid, err
}

// SendFrom implements backend.Backend.
func (b *Backend) SendFrom(ctx context.Context, account, address string, amount types.Amount) (string, error) {
	addr, err := b.address("sendfrom", address)
	if err != nil {
		return "", err
	}
	var txid string
	err = b.callInto(ctx, "sendfrom", &txid, account, addr, normalize.AmountParam(amount))
	return txid, err
}

// Move implements backend.Backend.
func (b *Backend) Move(ctx context.Context, from, to string, amount types.Amount) (bool, error) {
	var ok bool
	err := b.callInto(ctx, "move", &ok, from, to, normalize.AmountParam(amount))
	return ok, err
}

// SetAccount implements backend.Backend.
func (b *Backend) SetAccount(ctx context.Context, address, account string) error {
	_, err := b.call(ctx, "setaccount", address, account)
	return err
}

// ChangeLabel implements backend.Backend.
func (b *Backend) ChangeLabel(ctx context.Context, address, label string) error {
	return b.SetAccount(ctx, address, label)
}

// DeleteAccount implements backend.Backend.
func (b *Backend) DeleteAccount(ctx context.Context, account string) error {
	if account == "" {
		return callError("deleteaccount", []any{account}, fmt.Errorf("cannot delete the default account"))
	}
	addrs, err := b.addressesByAccount(ctx, account)
	if err != nil {
		return err
	}
	return backend.ForEach(ctx, addrs, func(ctx context.Context, addr string) error {
		return b.SetAccount(ctx, addr, "")
	})
}

// CreateAddress implements backend.Backend.
func (b *Backend) CreateAddress(ctx context.Context, account string) (string, error) {
	var addr string
	err := b.callInto(ctx, "getnewaddress", &addr, account)
	return addr, err
}

// ListReceivedByAddress implements backend.Backend.
func (b *Backend) ListReceivedByAddress(ctx context.Context, minConf int, includeEmpty bool) ([]types.Received, error) {
	raw, err := b.call(ctx, "listreceivedbyaddress", minConf, includeEmpty)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return []types.Received{}, nil
	}
	rcv, err := b.norm.NodeReceived(raw)
	if err != nil {
		return nil, callError("listreceivedbyaddress", []any{minConf, includeEmpty}, err)
	}
	return rcv, nil
}

// SignMessage implements backend.Backend.
func (b *Backend) SignMessage(ctx context.Context, address, message string) (string, error) {
	var sig string
	err := b.callInto(ctx, "signmessage", &sig, address, message)
	return sig, err
}

// VerifyMessage implements backend.Backend.
func (b *Backend) VerifyMessage(ctx context.Context, address, signature, message string) (bool, error) {
	var ok bool
	err := b.callInto(ctx, "verifymessage", &ok, address, signature, message)
	return ok, err
}

// BackupWallet implements backend.Backend.
func (b *Backend) BackupWallet(ctx context.Context, dest string) error {
	_, err := b.call(ctx, "backupwallet", dest)
	return err
}

// Encrypt implements backend.Backend.
func (b *Backend) Encrypt(ctx context.Context, passphrase string) error {
	_, err := b.call(ctx, "encryptwallet", passphrase)
	return err
}

// errAlreadyUnlocked is the daemon's code for walletpassphrase on an
// unlocked wallet.
const errAlreadyUnlocked = -17

func alreadyUnlocked(err error) bool {
	if err == nil {
		return false
	}
	return errs.Code(err) == errAlreadyUnlocked || strings.Contains(strings.ToLower(err.Error()), "already unlocked")
}

// Decrypt implements backend.Backend.
func (b *Backend) Decrypt(ctx context.Context, passphrase string, timeout time.Duration) error {
	secs := int64(timeout / time.Second)
	_, err := b.call(ctx, "walletpassphrase", passphrase, secs)
	if alreadyUnlocked(err) {
		return nil
	}
	return err
}

// ChangePassphrase implements backend.Backend.
func (b *Backend) ChangePassphrase(ctx context.Context, oldPassphrase, newPassphrase string) error {
	_, err := b.call(ctx, "walletpassphrasechange", oldPassphrase, newPassphrase)
	return err
}

// ForgetKey implements backend.Backend.
func (b *Backend) ForgetKey(ctx context.Context) error {
	_, err := b.call(ctx, "walletlock")
	return err
}

// IsEncrypted implements backend.Backend. The daemon reports
// unlocked_until in getinfo only for encrypted wallets.
func (b *Backend) IsEncrypted(ctx context.Context) (bool, error) {
	info, err := b.GetInfo(ctx)
	if err != nil {
		return false, err
	}
	return info.UnlockedUntil != nil, nil
}

// ImportPrivKey implements backend.Backend.
func (b *Backend) ImportPrivKey(ctx context.Context, wif, label string, rescan bool) error {
	_, err := b.call(ctx, "importprivkey", wif, label, rescan)
	return err
}

// DumpPrivKey implements backend.Backend.
func (b *Backend) DumpPrivKey(ctx context.Context, address string) (string, error) {
	var wif string
	err := b.callInto(ctx, "dumpprivkey", &wif, address)
	return wif, err
}

// ImportWallet implements backend.Backend.
func (b *Backend) ImportWallet(ctx context.Context, path string) error {
	_, err := b.call(ctx, "importwallet", path)
	return err
}

// DumpWallet implements backend.Backend.
func (b *Backend) DumpWallet(ctx context.Context, path string) error {
	_, err := b.call(ctx, "dumpwallet", path)
	return err
}

// KeyPoolRefill implements backend.Backend. A size of zero leaves the
// daemon default.
func (b *Backend) KeyPoolRefill(ctx context.Context, size int) error {
	var params []any
	if size > 0 {
		params = append(params, size)
	}
	_, err := b.call(ctx, "keypoolrefill", params...)
	return err
}

// GetGenerate implements backend.Backend.
func (b *Backend) GetGenerate(ctx context.Context) (bool, error) {
	var on bool
	err := b.callInto(ctx, "getgenerate", &on)
	return on, err
}

// SetGenerate implements backend.Backend.
func (b *Backend) SetGenerate(ctx context.Context, generate bool, procs int) error {
	_, err := b.call(ctx, "setgenerate", generate, procs)
	return err
}

// GetMiningInfo implements backend.Backend.
func (b *Backend) GetMiningInfo(ctx context.Context) (*types.MiningInfo, error) {
	raw, err := b.call(ctx, "getmininginfo")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return &types.MiningInfo{}, nil
	}
	mi, err := b.norm.NodeMiningInfo(raw)
	if err != nil {
		return nil, callError("getmininginfo", nil, err)
	}
	return mi, nil
}

// GetBlock implements backend.Backend.
func (b *Backend) GetBlock(ctx context.Context, hash string) (*types.Block, error) {
	raw, err := b.call(ctx, "getblock", hash)
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	blk, err := b.norm.NodeBlock(raw)
	if err != nil {
		return nil, callError("getblock", []any{hash}, err)
	}
	return blk, nil
}

// GetBlockByHeight implements backend.Backend.
func (b *Backend) GetBlockByHeight(ctx context.Context, height int64) (*types.Block, error) {
	var hash string
	if err := b.callInto(ctx, "getblockhash", &hash, height); err != nil || hash == "" {
		return nil, err
	}
	return b.GetBlock(ctx, hash)
}

// GetTransaction implements backend.Backend. The wallet view and the raw
// transaction are requested in one batch; the wallet view wins when the
// transaction belongs to the wallet.
func (b *Backend) GetTransaction(ctx context.Context, hash string) (*types.Transaction, error) {
	var walletRaw json.RawMessage
	var rawHex string
	calls := []*rpcclient.BatchCall{
		{Method: "gettransaction", Params: []any{hash}, Result: &walletRaw},
		{Method: "getrawtransaction", Params: []any{hash}, Result: &rawHex},
	}
	if err := b.rpc.Batch(ctx, calls); err != nil {
		return nil, callError("gettransaction", []any{hash}, err)
	}

	if calls[0].Err == nil && len(walletRaw) > 0 && string(walletRaw) != "null" {
		nt, err := normalize.DecodeNodeTx(walletRaw)
		if err == nil {
			var tx *types.Transaction
			if tx, err = b.norm.NodeTransaction(nt); err == nil {
				return tx, nil
			}
		}
		return nil, callError("gettransaction", []any{hash}, err)
	}
	if calls[1].Err == nil && rawHex != "" {
		msg, err := normalize.DecodeWireTxHex(rawHex)
		if err != nil {
			return nil, callError("getrawtransaction", []any{hash}, err)
		}
		return b.norm.WireTx(msg, normalize.BlockRef{}, 0), nil
	}
	if calls[0].Err != nil {
		return nil, callError("gettransaction", []any{hash}, calls[0].Err)
	}
	if calls[1].Err != nil {
		return nil, callError("getrawtransaction", []any{hash}, calls[1].Err)
	}
	// Suspended gate: both entries came back empty.
	return nil, nil
}

// StartServer implements backend.Backend.
func (b *Backend) StartServer(ctx context.Context) (bool, error) {
	if b.sup == nil {
		return false, errs.Unsupported("startserver")
	}
	return b.sup.Start(ctx)
}

// StopServer implements backend.Backend. Calls made while the daemon goes
// down resolve empty.
func (b *Backend) StopServer(ctx context.Context) error {
	if b.sup == nil {
		return errs.Unsupported("stopserver")
	}
	return b.sup.Stop(ctx)
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	return nil
}
