// Package chainindex records block heights, the chain tip and canonical
// records fetched from upstream so confirmations can be computed locally.
package chainindex

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/storage"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

var (
	prefixBlock    = []byte("blk/") // hash -> block JSON
	prefixHeight   = []byte("hgt/") // height (big endian) -> hash
	prefixBlockHgt = []byte("bhh/") // hash -> height (big endian)
	prefixTx       = []byte("tx/")  // hash -> transaction JSON
	prefixWalletTx = []byte("wtx/") // time (big endian) + hash -> transaction hash
	keyTip         = []byte("meta/tip")
)

// Index is a persistent chain index. It is safe for concurrent use.
type Index struct {
	db storage.DB

	mu      sync.RWMutex
	tip     int64
	tipHash string
	hasTip  bool
}

type tipRecord struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// New opens an index over db, loading the stored tip if any.
func New(db storage.DB) (*Index, error) {
	idx := &Index{db: db}
	data, err := db.Get(keyTip)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load tip: %w", err)
	default:
		var rec tipRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode tip: %w", err)
		}
		idx.tip, idx.tipHash, idx.hasTip = rec.Height, rec.Hash, true
	}
	return idx, nil
}

func heightKey(prefix []byte, h int64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(h))
	return k
}

func key(prefix []byte, s string) []byte {
	return append(append([]byte(nil), prefix...), s...)
}

// Tip returns the best known height.
func (idx *Index) Tip() (int64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tip, idx.hasTip
}

// TipHash returns the hash of the best known block.
func (idx *Index) TipHash() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tipHash
}

// SetTip records the chain tip. A lower height than the stored tip is accepted
// so reorganizations reported by upstream are followed.
func (idx *Index) SetTip(height int64, hash string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.setTipLocked(height, hash)
}

// raiseTip records height as the tip only when it is above the current one.
func (idx *Index) raiseTip(height int64, hash string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.hasTip && height <= idx.tip {
		return nil
	}
	return idx.setTipLocked(height, hash)
}

func (idx *Index) setTipLocked(height int64, hash string) error {
	data, err := json.Marshal(tipRecord{Height: height, Hash: hash})
	if err != nil {
		return err
	}
	batch := newBatch(idx.db)
	batch.Put(keyTip, data)
	if hash != "" {
		batch.Put(heightKey(prefixHeight, height), []byte(hash))
		batch.Put(key(prefixBlockHgt, hash), heightKey(nil, height))
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("store tip: %w", err)
	}
	idx.tip, idx.tipHash, idx.hasTip = height, hash, true
	klog.Storage.Debug().Int64("height", height).Str("hash", hash).Msg("Chain tip updated")
	return nil
}

// HeightOf returns the height of a block hash known to the index.
func (idx *Index) HeightOf(hash string) (int64, bool) {
	data, err := idx.db.Get(key(prefixBlockHgt, hash))
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(data)), true
}

// HashAt returns the block hash recorded for height.
func (idx *Index) HashAt(height int64) (string, bool) {
	data, err := idx.db.Get(heightKey(prefixHeight, height))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// PutBlock stores a canonical block and its transactions. Blocks with a known
// height are indexed and raise the tip when higher than it.
func (idx *Index) PutBlock(b *types.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block %s: %w", b.Hash, err)
	}

	batch := newBatch(idx.db)
	batch.Put(key(prefixBlock, b.Hash), data)
	if b.Height != types.HeightUnknown {
		batch.Put(heightKey(prefixHeight, b.Height), []byte(b.Hash))
		batch.Put(key(prefixBlockHgt, b.Hash), heightKey(nil, b.Height))
	}
	for i := range b.Transactions {
		txData, err := json.Marshal(&b.Transactions[i])
		if err != nil {
			return fmt.Errorf("encode tx %s: %w", b.Transactions[i].Hash, err)
		}
		batch.Put(key(prefixTx, b.Transactions[i].Hash), txData)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("store block %s: %w", b.Hash, err)
	}

	if b.Height == types.HeightUnknown {
		return nil
	}
	return idx.raiseTip(b.Height, b.Hash)
}

// Block returns a stored block by hash.
func (idx *Index) Block(hash string) (*types.Block, error) {
	data, err := idx.db.Get(key(prefixBlock, hash))
	if err != nil {
		return nil, err
	}
	var b types.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", hash, err)
	}
	return &b, nil
}

// BlockAt returns the stored block at height.
func (idx *Index) BlockAt(height int64) (*types.Block, error) {
	hash, ok := idx.HashAt(height)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return idx.Block(hash)
}

// PutTransaction stores a canonical transaction.
func (idx *Index) PutTransaction(tx *types.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode tx %s: %w", tx.Hash, err)
	}
	return idx.db.Put(key(prefixTx, tx.Hash), data)
}

// Transaction returns a stored transaction by hash.
func (idx *Index) Transaction(hash string) (*types.Transaction, error) {
	data, err := idx.db.Get(key(prefixTx, hash))
	if err != nil {
		return nil, err
	}
	var tx types.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", hash, err)
	}
	return &tx, nil
}

// AddWalletTransaction stores tx and marks it as belonging to the wallet.
func (idx *Index) AddWalletTransaction(tx *types.Transaction) error {
	if err := idx.PutTransaction(tx); err != nil {
		return err
	}
	k := append(heightKey(prefixWalletTx, tx.Time), tx.Hash...)
	return idx.db.Put(k, []byte(tx.Hash))
}

// WalletTransactions returns wallet transactions oldest first.
func (idx *Index) WalletTransactions() ([]types.Transaction, error) {
	var hashes []string
	err := idx.db.ForEach(prefixWalletTx, func(_, value []byte) error {
		hashes = append(hashes, string(value))
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]types.Transaction, 0, len(hashes))
	for _, h := range hashes {
		tx, err := idx.Transaction(h)
		if err != nil {
			return nil, fmt.Errorf("wallet tx %s: %w", h, err)
		}
		out = append(out, *tx)
	}
	return out, nil
}

func newBatch(db storage.DB) storage.Batch {
	if b, ok := db.(storage.Batcher); ok {
		return b.NewBatch()
	}
	// Namespacing with an empty prefix provides the buffered fallback.
	return storage.NewPrefixDB(db, nil).NewBatch()
}
