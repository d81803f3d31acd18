package storage

// PrefixDB wraps a DB and prepends a fixed prefix to all keys, giving each
// user of a shared store (blocks, transactions, height index) its own
// namespace.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB creates a new PrefixDB wrapping inner with the given prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &PrefixDB{inner: inner, prefix: p}
}

func (p *PrefixDB) prefixed(key []byte) []byte {
	out := make([]byte, len(p.prefix)+len(key))
	copy(out, p.prefix)
	copy(out[len(p.prefix):], key)
	return out
}

// Get retrieves a value by key.
func (p *PrefixDB) Get(key []byte) ([]byte, error) {
	return p.inner.Get(p.prefixed(key))
}

// Put stores a key-value pair.
func (p *PrefixDB) Put(key, value []byte) error {
	return p.inner.Put(p.prefixed(key), value)
}

// Delete removes a key.
func (p *PrefixDB) Delete(key []byte) error {
	return p.inner.Delete(p.prefixed(key))
}

// Has checks if a key exists.
func (p *PrefixDB) Has(key []byte) (bool, error) {
	return p.inner.Has(p.prefixed(key))
}

// ForEach iterates over keys with the given prefix inside this namespace.
// Keys passed to fn have the namespace prefix stripped.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEach(p.prefixed(prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// DeleteAll removes every key in this namespace.
func (p *PrefixDB) DeleteAll() error {
	var keys [][]byte
	err := p.inner.ForEach(p.prefix, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.inner.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the outer DB manages its own lifecycle.
func (p *PrefixDB) Close() error {
	return nil
}

// NewBatch returns a batch in this namespace. It is atomic when the inner
// store supports batches and applied write by write otherwise.
func (p *PrefixDB) NewBatch() Batch {
	if batcher, ok := p.inner.(Batcher); ok {
		return &prefixBatch{inner: batcher.NewBatch(), p: p}
	}
	return &directBatch{db: p}
}

type prefixBatch struct {
	inner Batch
	p     *PrefixDB
}

func (pb *prefixBatch) Put(key, value []byte) error {
	return pb.inner.Put(pb.p.prefixed(key), value)
}

func (pb *prefixBatch) Delete(key []byte) error {
	return pb.inner.Delete(pb.p.prefixed(key))
}

func (pb *prefixBatch) Commit() error {
	return pb.inner.Commit()
}

// directBatch buffers writes and replays them on Commit.
type directBatch struct {
	db  DB
	ops []memoryOp
}

func (db *directBatch) Put(key, value []byte) error {
	db.ops = append(db.ops, memoryOp{key: string(key), value: append([]byte{}, value...)})
	return nil
}

func (db *directBatch) Delete(key []byte) error {
	db.ops = append(db.ops, memoryOp{key: string(key)})
	return nil
}

func (db *directBatch) Commit() error {
	for _, op := range db.ops {
		var err error
		if op.value == nil {
			err = db.db.Delete([]byte(op.key))
		} else {
			err = db.db.Put([]byte(op.key), op.value)
		}
		if err != nil {
			return err
		}
	}
	db.ops = nil
	return nil
}
