// Package backend defines the wallet capability set shared by the daemon,
// embedded and stub backends, plus the combinators used to compose calls.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/Klingon-tech/cointerm/config"
	"github.com/Klingon-tech/cointerm/internal/errs"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// Backend is the uniform wallet surface. Exactly one variant is active per
// process. Operations a variant cannot perform return an error wrapping
// errs.ErrUnsupported; the stub variant returns zero values instead.
type Backend interface {
	// Kind reports which variant this is.
	Kind() config.BackendKind

	GetStats(ctx context.Context) (*types.Stats, error)
	GetInfo(ctx context.Context) (*types.Info, error)
	GetAccounts(ctx context.Context) (map[string]types.Amount, error)
	GetAddresses(ctx context.Context) ([]types.Address, error)
	// GetTransactions lists wallet transactions for account ("*" for all),
	// newest last, skipping from and returning at most count.
	GetTransactions(ctx context.Context, account string, count, from int) ([]types.Transaction, error)
	GetTotalBalance(ctx context.Context) (types.Amount, error)

	Send(ctx context.Context, address string, amount types.Amount) (string, error)
	SendFrom(ctx context.Context, account, address string, amount types.Amount) (string, error)
	Move(ctx context.Context, from, to string, amount types.Amount) (bool, error)

	SetAccount(ctx context.Context, address, account string) error
	// ChangeLabel is SetAccount under its label-oriented name.
	ChangeLabel(ctx context.Context, address, label string) error
	// DeleteAccount moves every address of account to the default account.
	DeleteAccount(ctx context.Context, account string) error
	CreateAddress(ctx context.Context, account string) (string, error)
	ListReceivedByAddress(ctx context.Context, minConf int, includeEmpty bool) ([]types.Received, error)

	SignMessage(ctx context.Context, address, message string) (string, error)
	VerifyMessage(ctx context.Context, address, signature, message string) (bool, error)

	BackupWallet(ctx context.Context, dest string) error
	Encrypt(ctx context.Context, passphrase string) error
	// Decrypt unlocks the wallet for timeout. An already unlocked wallet
	// is not an error.
	Decrypt(ctx context.Context, passphrase string, timeout time.Duration) error
	ChangePassphrase(ctx context.Context, oldPassphrase, newPassphrase string) error
	// ForgetKey locks the wallet.
	ForgetKey(ctx context.Context) error
	IsEncrypted(ctx context.Context) (bool, error)

	ImportPrivKey(ctx context.Context, wif, label string, rescan bool) error
	DumpPrivKey(ctx context.Context, address string) (string, error)
	ImportWallet(ctx context.Context, path string) error
	DumpWallet(ctx context.Context, path string) error
	KeyPoolRefill(ctx context.Context, size int) error

	GetGenerate(ctx context.Context) (bool, error)
	SetGenerate(ctx context.Context, generate bool, procs int) error
	GetMiningInfo(ctx context.Context) (*types.MiningInfo, error)

	GetBlock(ctx context.Context, hash string) (*types.Block, error)
	GetBlockByHeight(ctx context.Context, height int64) (*types.Block, error)
	GetTransaction(ctx context.Context, hash string) (*types.Transaction, error)

	// StartServer makes sure the chain source is running. It reports
	// whether this call started it.
	StartServer(ctx context.Context) (bool, error)
	StopServer(ctx context.Context) error

	Close() error
}

// IsUnsupported reports whether err means the backend lacks an operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, errs.ErrUnsupported)
}
