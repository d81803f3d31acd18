// Package embedded implements the wallet backend with an in-process HD
// wallet. Chain data comes from the block explorer and is kept in the local
// chain index.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/cointerm/config"
	"github.com/Klingon-tech/cointerm/internal/backend"
	"github.com/Klingon-tech/cointerm/internal/chainindex"
	"github.com/Klingon-tech/cointerm/internal/errs"
	"github.com/Klingon-tech/cointerm/internal/explorer"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/normalize"
	"github.com/Klingon-tech/cointerm/internal/storage"
	"github.com/Klingon-tech/cointerm/internal/wallet"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// DefaultRefreshInterval bounds how often address histories are fetched.
const DefaultRefreshInterval = 15 * time.Second

// walletVersion is reported in GetInfo.
const walletVersion = 2

// coinbaseMaturity is the number of blocks built on top of a coinbase
// before its outputs can be spent.
const coinbaseMaturity = 100

// Backend serves wallet operations from a local keystore.
type Backend struct {
	wallet  *wallet.Wallet
	chain   *explorer.Client
	index   *chainindex.Index
	refresh time.Duration

	mu        sync.Mutex
	histories map[string]*types.AddressHistory
	fetched   time.Time
}

var _ backend.Backend = (*Backend)(nil)

// Options configures a Backend.
type Options struct {
	Wallet *wallet.Wallet

	// Chain is the upstream chain source. Without it balances are zero and
	// only indexed records are served.
	Chain *explorer.Client
	Index *chainindex.Index

	RefreshInterval time.Duration
}

// New creates an embedded backend.
func New(opts Options) (*Backend, error) {
	if opts.Wallet == nil {
		return nil, fmt.Errorf("embedded backend: wallet is required")
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("embedded backend: chain index is required")
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	return &Backend{
		wallet:  opts.Wallet,
		chain:   opts.Chain,
		index:   opts.Index,
		refresh: opts.RefreshInterval,
	}, nil
}

// Kind implements backend.Backend.
func (b *Backend) Kind() config.BackendKind {
	return config.BackendEmbedded
}

// Wallet returns the underlying wallet.
func (b *Backend) Wallet() *wallet.Wallet {
	return b.wallet
}

// sync returns the address histories of every wallet address, fetching
// them again once the refresh interval has passed. Fetched transactions are
// recorded in the chain index as wallet transactions.
func (b *Backend) sync(ctx context.Context) (map[string]*types.AddressHistory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.histories != nil && time.Since(b.fetched) < b.refresh {
		return b.histories, nil
	}
	if b.chain == nil {
		return map[string]*types.AddressHistory{}, nil
	}
	defer klog.Benchmark("embedded history refresh")()

	if _, err := b.chain.LatestBlock(ctx); err != nil {
		return nil, err
	}

	addrs := b.wallet.Addresses()
	histories := make(map[string]*types.AddressHistory, len(addrs))
	err := backend.ForEach(ctx, addrs, func(ctx context.Context, a types.Address) error {
		hist, err := b.chain.AddressHistory(ctx, a.Address)
		if err != nil {
			if errs.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("address %s: %w", a.Address, err)
		}
		histories[a.Address] = hist
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := b.indexBlocks(ctx, histories); err != nil {
		return nil, err
	}

	owned := b.owned()
	seen := make(map[string]bool)
	for _, a := range addrs {
		hist, ok := histories[a.Address]
		if !ok {
			continue
		}
		for i := range hist.Transactions {
			tx := &hist.Transactions[i]
			b.confirmations(tx)
			if seen[tx.Hash] {
				continue
			}
			seen[tx.Hash] = true
			view := walletView(tx, owned)
			if err := b.index.AddWalletTransaction(view); err != nil {
				klog.Backend.Warn().Str("tx", tx.Hash).Err(err).Msg("Failed to store wallet transaction")
			}
		}
	}

	b.histories = histories
	b.fetched = time.Now()
	klog.Backend.Debug().Int("addresses", len(addrs)).Int("txs", len(seen)).Msg("Wallet history refreshed")
	return histories, nil
}

// indexBlocks fetches the blocks holding confirmed wallet transactions that
// the chain index does not know yet. A transaction only counts
// confirmations once its block is indexed. Failed fetches are logged and
// leave the transaction at zero confirmations.
func (b *Backend) indexBlocks(ctx context.Context, histories map[string]*types.AddressHistory) error {
	want := make(map[int64]bool)
	var missing []int64
	for _, hist := range histories {
		for _, tx := range hist.Transactions {
			if tx.BlockHeight == nil || want[*tx.BlockHeight] {
				continue
			}
			if _, ok := b.index.HashAt(*tx.BlockHeight); ok {
				continue
			}
			want[*tx.BlockHeight] = true
			missing = append(missing, *tx.BlockHeight)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	return backend.ForEach(ctx, missing, func(ctx context.Context, height int64) error {
		if _, err := b.chain.BlockByHeight(ctx, height); err != nil {
			klog.Backend.Warn().Int64("height", height).Err(err).Msg("Failed to index wallet block")
		}
		return nil
	})
}

// invalidate forces the next sync to fetch.
func (b *Backend) invalidate() {
	b.mu.Lock()
	b.histories = nil
	b.mu.Unlock()
}

// owned maps every wallet address to its label.
func (b *Backend) owned() map[string]string {
	addrs := b.wallet.Addresses()
	out := make(map[string]string, len(addrs))
	for _, a := range addrs {
		out[a.Address] = a.Name
	}
	return out
}

// walletView returns a copy of tx annotated from the wallet's point of
// view: the net value is what wallet addresses received minus what they
// spent, and the category, account and address follow from it.
func walletView(tx *types.Transaction, owned map[string]string) *types.Transaction {
	view := *tx
	var in, out types.Amount
	var addr string
	for _, i := range tx.Inputs {
		if _, ok := owned[i.Address]; ok {
			in += i.Value
		}
	}
	for _, o := range tx.Outputs {
		if _, ok := owned[o.Address]; ok {
			out += o.Value
			if addr == "" {
				addr = o.Address
			}
		}
	}
	view.Totals.Net = out - in
	switch {
	case tx.IsCoinbase():
		view.Category = types.CategoryGenerate
		if tx.Confirmations <= coinbaseMaturity {
			view.Category = types.CategoryImmature
		}
	case in > 0:
		view.Category = types.CategorySend
		for _, o := range tx.Outputs {
			if _, ok := owned[o.Address]; !ok {
				addr = o.Address
				break
			}
		}
	default:
		view.Category = types.CategoryReceive
	}
	view.Address = addr
	view.Account = owned[addr]
	return &view
}

func (b *Backend) confirmations(tx *types.Transaction) {
	tx.Confirmations = normalize.ConfirmationsFor(normalize.BlockRef{Hash: tx.BlockHash, Height: tx.BlockHeight}, b.index, tx.Confirmations)
}

// GetStats implements backend.Backend.
func (b *Backend) GetStats(ctx context.Context) (*types.Stats, error) {
	return backend.Stats(ctx, b)
}

// GetInfo implements backend.Backend.
func (b *Backend) GetInfo(ctx context.Context) (*types.Info, error) {
	balance, err := b.GetTotalBalance(ctx)
	if err != nil {
		return nil, err
	}
	params := b.wallet.Params()
	info := &types.Info{
		WalletVersion: walletVersion,
		Balance:       balance,
		Testnet:       params.Net != wire.MainNet,
		KeyPoolOldest: b.wallet.KeyPoolOldest(),
		KeyPoolSize:   int64(b.wallet.KeyPoolSize()),
	}
	if tip, ok := b.index.Tip(); ok {
		info.Blocks = tip
	}
	if b.chain != nil {
		info.Connections = 1
	}
	if b.wallet.IsEncrypted() {
		var until int64
		if t := b.wallet.UnlockedUntil(); !t.IsZero() {
			until = t.Unix()
		}
		info.UnlockedUntil = &until
	}
	return info, nil
}

// GetAccounts implements backend.Backend. Every label is listed, the
// default one included.
func (b *Backend) GetAccounts(ctx context.Context) (map[string]types.Amount, error) {
	histories, err := b.sync(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Amount)
	for _, label := range b.wallet.Labels() {
		out[label] = 0
	}
	for _, a := range b.wallet.Addresses() {
		if h, ok := histories[a.Address]; ok {
			out[a.Name] += h.FinalBalance
		}
	}
	return out, nil
}

// GetAddresses implements backend.Backend.
func (b *Backend) GetAddresses(context.Context) ([]types.Address, error) {
	return b.wallet.Addresses(), nil
}

// GetTransactions implements backend.Backend. Like the daemon it returns
// the count most recent transactions after skipping from, oldest first.
func (b *Backend) GetTransactions(ctx context.Context, account string, count, from int) ([]types.Transaction, error) {
	if _, err := b.sync(ctx); err != nil {
		return nil, err
	}
	all, err := b.index.WalletTransactions()
	if err != nil {
		return nil, fmt.Errorf("wallet transactions: %w", err)
	}

	// A transaction whose time changed on confirmation is indexed twice;
	// the later entry wins.
	last := make(map[string]int, len(all))
	for i, tx := range all {
		last[tx.Hash] = i
	}
	txs := make([]types.Transaction, 0, len(all))
	for i, tx := range all {
		if last[tx.Hash] != i {
			continue
		}
		if account != "*" && account != "" && tx.Account != account {
			continue
		}
		b.confirmations(&tx)
		txs = append(txs, tx)
	}

	end := len(txs) - from
	if end < 0 {
		end = 0
	}
	start := end - count
	if start < 0 || count < 0 {
		start = 0
	}
	return txs[start:end], nil
}

// GetTotalBalance implements backend.Backend.
func (b *Backend) GetTotalBalance(ctx context.Context) (types.Amount, error) {
	histories, err := b.sync(ctx)
	if err != nil {
		return 0, err
	}
	var total types.Amount
	for _, h := range histories {
		total += h.FinalBalance
	}
	return total, nil
}

// Send implements backend.Backend.
func (b *Backend) Send(context.Context, string, types.Amount) (string, error) {
	return "", errs.Unsupported("sendtoaddress")
}

// SendFrom implements backend.Backend.
func (b *Backend) SendFrom(context.Context, string, string, types.Amount) (string, error) {
	return "", errs.Unsupported("sendfrom")
}

// Move implements backend.Backend.
func (b *Backend) Move(context.Context, string, string, types.Amount) (bool, error) {
	return false, errs.Unsupported("move")
}

// SetAccount implements backend.Backend.
func (b *Backend) SetAccount(_ context.Context, address, account string) error {
	if err := b.wallet.SetLabel(address, account); err != nil {
		return err
	}
	b.invalidate()
	return nil
}

// ChangeLabel implements backend.Backend.
func (b *Backend) ChangeLabel(ctx context.Context, address, label string) error {
	return b.SetAccount(ctx, address, label)
}

// DeleteAccount implements backend.Backend.
func (b *Backend) DeleteAccount(ctx context.Context, account string) error {
	if account == "" {
		return fmt.Errorf("cannot delete the default account")
	}
	return backend.ForEach(ctx, b.wallet.AddressesByLabel(account), func(ctx context.Context, addr string) error {
		return b.SetAccount(ctx, addr, "")
	})
}

// CreateAddress implements backend.Backend.
func (b *Backend) CreateAddress(_ context.Context, account string) (string, error) {
	addr, err := b.wallet.NewAddress(account)
	if err != nil {
		return "", err
	}
	b.invalidate()
	return addr, nil
}

// ListReceivedByAddress implements backend.Backend. Amount sums outputs
// paying the address in transactions with at least minConf confirmations;
// Confirmations is that of the most recent such transaction.
func (b *Backend) ListReceivedByAddress(ctx context.Context, minConf int, includeEmpty bool) ([]types.Received, error) {
	histories, err := b.sync(ctx)
	if err != nil {
		return nil, err
	}
	out := []types.Received{}
	for _, a := range b.wallet.Addresses() {
		rcv := types.Received{Address: a.Address, Account: a.Name}
		seen := false
		if h, ok := histories[a.Address]; ok {
			for _, tx := range h.Transactions {
				if tx.Confirmations < int64(minConf) {
					continue
				}
				var paid types.Amount
				for _, o := range tx.Outputs {
					if o.Address == a.Address {
						paid += o.Value
					}
				}
				if paid == 0 {
					continue
				}
				rcv.Amount += paid
				if !seen || tx.Confirmations < rcv.Confirmations {
					rcv.Confirmations = tx.Confirmations
				}
				seen = true
			}
		}
		if seen || includeEmpty {
			out = append(out, rcv)
		}
	}
	return out, nil
}

// SignMessage implements backend.Backend.
func (b *Backend) SignMessage(_ context.Context, address, message string) (string, error) {
	return b.wallet.SignMessage(address, message)
}

// VerifyMessage implements backend.Backend.
func (b *Backend) VerifyMessage(_ context.Context, address, signature, message string) (bool, error) {
	return b.wallet.VerifyMessage(address, signature, message)
}

// BackupWallet implements backend.Backend.
func (b *Backend) BackupWallet(_ context.Context, dest string) error {
	return b.wallet.Backup(dest)
}

// Encrypt implements backend.Backend.
func (b *Backend) Encrypt(_ context.Context, passphrase string) error {
	return b.wallet.Encrypt(passphrase)
}

// Decrypt implements backend.Backend.
func (b *Backend) Decrypt(_ context.Context, passphrase string, timeout time.Duration) error {
	return b.wallet.Unlock(passphrase, timeout)
}

// ChangePassphrase implements backend.Backend.
func (b *Backend) ChangePassphrase(_ context.Context, oldPassphrase, newPassphrase string) error {
	return b.wallet.ChangePassphrase(oldPassphrase, newPassphrase)
}

// ForgetKey implements backend.Backend.
func (b *Backend) ForgetKey(context.Context) error {
	return b.wallet.Lock()
}

// IsEncrypted implements backend.Backend.
func (b *Backend) IsEncrypted(context.Context) (bool, error) {
	return b.wallet.IsEncrypted(), nil
}

// ImportPrivKey implements backend.Backend. History of an imported
// address is always fetched on the next sync, so rescan only forces it.
func (b *Backend) ImportPrivKey(_ context.Context, wif, label string, rescan bool) error {
	addr, err := b.wallet.ImportPrivKey(wif, label)
	if err != nil {
		return err
	}
	klog.Backend.Info().Str("address", addr).Bool("rescan", rescan).Msg("Imported private key")
	b.invalidate()
	return nil
}

// DumpPrivKey implements backend.Backend.
func (b *Backend) DumpPrivKey(_ context.Context, address string) (string, error) {
	return b.wallet.DumpPrivKey(address)
}

// ImportWallet implements backend.Backend.
func (b *Backend) ImportWallet(_ context.Context, path string) error {
	n, err := b.wallet.Import(path)
	if err != nil {
		return err
	}
	klog.Backend.Info().Int("keys", n).Msg("Imported wallet dump")
	b.invalidate()
	return nil
}

// DumpWallet implements backend.Backend.
func (b *Backend) DumpWallet(_ context.Context, path string) error {
	return b.wallet.Dump(path)
}

// KeyPoolRefill implements backend.Backend.
func (b *Backend) KeyPoolRefill(_ context.Context, size int) error {
	return b.wallet.KeyPoolRefill(size)
}

// GetGenerate implements backend.Backend.
func (b *Backend) GetGenerate(context.Context) (bool, error) {
	return false, errs.Unsupported("getgenerate")
}

// SetGenerate implements backend.Backend.
func (b *Backend) SetGenerate(context.Context, bool, int) error {
	return errs.Unsupported("setgenerate")
}

// GetMiningInfo implements backend.Backend.
func (b *Backend) GetMiningInfo(context.Context) (*types.MiningInfo, error) {
	return nil, errs.Unsupported("getmininginfo")
}

// GetBlock implements backend.Backend. Indexed blocks are served locally.
func (b *Backend) GetBlock(ctx context.Context, hash string) (*types.Block, error) {
	blk, err := b.index.Block(hash)
	if err == nil {
		blk.Confirmations = normalize.ConfirmationsFor(normalize.BlockRef{Hash: blk.Hash, Height: &blk.Height}, b.index, blk.Confirmations)
		return blk, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("indexed block %s: %w", hash, err)
	}
	if b.chain == nil {
		return nil, &errs.NotFoundError{Path: "block/" + hash}
	}
	blk, err = b.chain.Block(ctx, hash)
	if unusable(err) {
		klog.Backend.Debug().Str("block", hash).Err(err).Msg("Explorer block unusable, fetching serialized form")
		return b.chain.RawBlock(ctx, hash)
	}
	return blk, err
}

// GetBlockByHeight implements backend.Backend.
func (b *Backend) GetBlockByHeight(ctx context.Context, height int64) (*types.Block, error) {
	if hash, ok := b.index.HashAt(height); ok {
		return b.GetBlock(ctx, hash)
	}
	if b.chain == nil {
		return nil, &errs.NotFoundError{Path: fmt.Sprintf("block-height/%d", height)}
	}
	return b.chain.BlockByHeight(ctx, height)
}

// GetTransaction implements backend.Backend. Confirmed indexed
// transactions are served locally; everything else goes to the explorer.
func (b *Backend) GetTransaction(ctx context.Context, hash string) (*types.Transaction, error) {
	tx, err := b.index.Transaction(hash)
	switch {
	case err == nil && (tx.BlockHeight != nil || b.chain == nil):
		b.confirmations(tx)
		return tx, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("indexed tx %s: %w", hash, err)
	}
	if b.chain == nil {
		return nil, &errs.NotFoundError{Path: "tx/" + hash}
	}
	tx, err = b.chain.Transaction(ctx, hash)
	if unusable(err) {
		klog.Backend.Debug().Str("tx", hash).Err(err).Msg("Explorer transaction unusable, fetching serialized form")
		return b.chain.RawTransaction(ctx, hash)
	}
	return tx, err
}

// unusable reports whether the explorer answered with a record that could
// not be parsed or normalized, in which case the serialized form is tried.
func unusable(err error) bool {
	var ne *errs.NormalizationError
	var pe *errs.ProtocolError
	return errors.As(err, &ne) || errors.As(err, &pe)
}

// StartServer implements backend.Backend.
func (b *Backend) StartServer(context.Context) (bool, error) {
	return false, errs.Unsupported("startserver")
}

// StopServer implements backend.Backend.
func (b *Backend) StopServer(context.Context) error {
	return errs.Unsupported("stopserver")
}

// Close locks an encrypted wallet.
func (b *Backend) Close() error {
	if b.wallet.IsEncrypted() {
		return b.wallet.Lock()
	}
	return nil
}
