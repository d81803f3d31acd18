package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Klingon-tech/cointerm/internal/errs"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// Task is one unit of a Parallel join.
type Task func(ctx context.Context) (any, error)

// JoinError collects every failure of a Parallel join, keyed like its input.
type JoinError struct {
	Errors map[string]error
}

// Keys returns the failing keys in sorted order.
func (e *JoinError) Keys() []string {
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *JoinError) Error() string {
	keys := e.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Errors[k]))
	}
	return strings.Join(parts, "; ")
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *JoinError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, k := range e.Keys() {
		out = append(out, e.Errors[k])
	}
	return out
}

// Parallel runs every task concurrently and waits for all of them. On
// success the result holds one entry per input key. If any task fails the
// result is nil and the error is a *JoinError carrying every failure.
func Parallel(ctx context.Context, tasks map[string]Task) (map[string]any, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]any, len(tasks))
		failed  = make(map[string]error)
	)
	for key, task := range tasks {
		wg.Add(1)
		go func(key string, task Task) {
			defer wg.Done()
			v, err := task(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[key] = err
				return
			}
			results[key] = v
		}(key, task)
	}
	wg.Wait()

	if len(failed) > 0 {
		return nil, &JoinError{Errors: failed}
	}
	return results, nil
}

// ForEach calls fn for each item in order, starting the next only after the
// previous returned. It stops at the first error.
func ForEach[T any](ctx context.Context, items []T, fn func(context.Context, T) error) error {
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Stats keys used by the GetStats join.
const (
	StatBalance      = "balance"
	StatAccounts     = "accounts"
	StatTransactions = "transactions"
	StatAddresses    = "addresses"
	StatInfo         = "info"
	StatEncrypted    = "encrypted"
)

// statsTransactionCount is how many recent transactions GetStats lists.
const statsTransactionCount = 10

// Stats builds the composite snapshot of b by querying balance, accounts,
// transactions, addresses, info and encryption state concurrently.
func Stats(ctx context.Context, b Backend) (*types.Stats, error) {
	res, err := Parallel(ctx, map[string]Task{
		StatBalance: func(ctx context.Context) (any, error) {
			return b.GetTotalBalance(ctx)
		},
		StatAccounts: func(ctx context.Context) (any, error) {
			return b.GetAccounts(ctx)
		},
		StatTransactions: func(ctx context.Context) (any, error) {
			return b.GetTransactions(ctx, "*", statsTransactionCount, 0)
		},
		StatAddresses: func(ctx context.Context) (any, error) {
			return b.GetAddresses(ctx)
		},
		StatInfo: func(ctx context.Context) (any, error) {
			return b.GetInfo(ctx)
		},
		StatEncrypted: func(ctx context.Context) (any, error) {
			return b.IsEncrypted(ctx)
		},
	})
	if err != nil {
		klog.Backend.Warn().Err(err).Str("backend", string(b.Kind())).Msg("Stats incomplete")
		return nil, &errs.CallError{Method: "getstats", Err: err}
	}

	stats := &types.Stats{
		Balance:      res[StatBalance].(types.Amount),
		Accounts:     res[StatAccounts].(map[string]types.Amount),
		Transactions: res[StatTransactions].([]types.Transaction),
		Addresses:    res[StatAddresses].([]types.Address),
		Encrypted:    res[StatEncrypted].(bool),
	}
	if info := res[StatInfo].(*types.Info); info != nil {
		stats.Info = *info
	}
	if stats.Accounts == nil {
		stats.Accounts = map[string]types.Amount{}
	}
	if stats.Transactions == nil {
		stats.Transactions = []types.Transaction{}
	}
	if stats.Addresses == nil {
		stats.Addresses = []types.Address{}
	}
	return stats, nil
}
