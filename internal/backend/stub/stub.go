// Package stub implements a backend whose operations all succeed with
// deterministic zero values. It stands in for a real wallet in demos and
// front-end tests.
package stub

import (
	"context"
	"time"

	"github.com/Klingon-tech/cointerm/config"
	"github.com/Klingon-tech/cointerm/internal/backend"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// Backend is the no-op backend.
type Backend struct{}

var _ backend.Backend = (*Backend)(nil)

// New returns a stub backend.
func New() *Backend {
	return &Backend{}
}

func (*Backend) Kind() config.BackendKind { return config.BackendStub }

func (*Backend) GetStats(context.Context) (*types.Stats, error) {
	return &types.Stats{
		Accounts:     map[string]types.Amount{},
		Transactions: []types.Transaction{},
		Addresses:    []types.Address{},
	}, nil
}

func (*Backend) GetInfo(context.Context) (*types.Info, error) { return &types.Info{}, nil }

func (*Backend) GetAccounts(context.Context) (map[string]types.Amount, error) {
	return map[string]types.Amount{}, nil
}

func (*Backend) GetAddresses(context.Context) ([]types.Address, error) {
	return []types.Address{}, nil
}

func (*Backend) GetTransactions(context.Context, string, int, int) ([]types.Transaction, error) {
	return []types.Transaction{}, nil
}

func (*Backend) GetTotalBalance(context.Context) (types.Amount, error) { return 0, nil }

func (*Backend) Send(context.Context, string, types.Amount) (string, error) { return "", nil }

func (*Backend) SendFrom(context.Context, string, string, types.Amount) (string, error) {
	return "", nil
}

func (*Backend) Move(context.Context, string, string, types.Amount) (bool, error) {
	return false, nil
}

func (*Backend) SetAccount(context.Context, string, string) error  { return nil }
func (*Backend) ChangeLabel(context.Context, string, string) error { return nil }
func (*Backend) DeleteAccount(context.Context, string) error       { return nil }

func (*Backend) CreateAddress(context.Context, string) (string, error) { return "", nil }

func (*Backend) ListReceivedByAddress(context.Context, int, bool) ([]types.Received, error) {
	return []types.Received{}, nil
}

func (*Backend) SignMessage(context.Context, string, string) (string, error) { return "", nil }

func (*Backend) VerifyMessage(context.Context, string, string, string) (bool, error) {
	return false, nil
}

func (*Backend) BackupWallet(context.Context, string) error                { return nil }
func (*Backend) Encrypt(context.Context, string) error                     { return nil }
func (*Backend) Decrypt(context.Context, string, time.Duration) error      { return nil }
func (*Backend) ChangePassphrase(context.Context, string, string) error    { return nil }
func (*Backend) ForgetKey(context.Context) error                           { return nil }
func (*Backend) IsEncrypted(context.Context) (bool, error)                 { return false, nil }
func (*Backend) ImportPrivKey(context.Context, string, string, bool) error { return nil }
func (*Backend) DumpPrivKey(context.Context, string) (string, error)       { return "", nil }
func (*Backend) ImportWallet(context.Context, string) error                { return nil }
func (*Backend) DumpWallet(context.Context, string) error                  { return nil }
func (*Backend) KeyPoolRefill(context.Context, int) error                  { return nil }
func (*Backend) GetGenerate(context.Context) (bool, error)                 { return false, nil }
func (*Backend) SetGenerate(context.Context, bool, int) error              { return nil }

func (*Backend) GetMiningInfo(context.Context) (*types.MiningInfo, error) {
	return &types.MiningInfo{}, nil
}

func (*Backend) GetBlock(context.Context, string) (*types.Block, error) {
	return &types.Block{TxIDs: []string{}}, nil
}

func (*Backend) GetBlockByHeight(context.Context, int64) (*types.Block, error) {
	return &types.Block{TxIDs: []string{}}, nil
}

func (*Backend) GetTransaction(context.Context, string) (*types.Transaction, error) {
	return &types.Transaction{Inputs: []types.Input{}, Outputs: []types.Output{}}, nil
}

func (*Backend) StartServer(context.Context) (bool, error) { return false, nil }
func (*Backend) StopServer(context.Context) error          { return nil }
func (*Backend) Close() error                              { return nil }
