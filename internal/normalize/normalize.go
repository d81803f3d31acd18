// Package normalize converts daemon RPC results, raw consensus bytes and
// public explorer JSON into the canonical records of pkg/types.
//
// Every canonical record carries Normalized=true. Passing such a record back
// through the normalizer returns it unchanged, so callers may normalize
// defensively.
package normalize

import (
	"github.com/btcsuite/btcd/chaincfg"
)

// ChainIndex answers height queries for confirmation counts.
type ChainIndex interface {
	// Tip returns the best known height.
	Tip() (int64, bool)
	// HeightOf returns the height of a known block hash.
	HeightOf(hash string) (int64, bool)
	// HashAt returns the hash of the known block at height.
	HashAt(height int64) (string, bool)
}

// BlockRef identifies the block containing a record, by hash or height.
type BlockRef struct {
	Hash   string
	Height *int64
}

// ConfirmationsFor computes confirmations for a record in block ref.
//
// With a nil index (or one without a tip yet) it returns fallback. When the
// containing block is unknown to the index it returns 0. A ref with a hash is
// looked up by hash; a height alone counts only when the index has a block
// at that height. Otherwise the count is tip-height+1, floored at 1.
func ConfirmationsFor(ref BlockRef, index ChainIndex, fallback int64) int64 {
	if index == nil {
		return fallback
	}
	tip, ok := index.Tip()
	if !ok {
		return fallback
	}

	var height int64
	known := false
	switch {
	case ref.Hash != "":
		height, known = index.HeightOf(ref.Hash)
	case ref.Height != nil:
		height = *ref.Height
		_, known = index.HashAt(height)
	}
	if !known {
		return 0
	}

	conf := tip - height + 1
	if conf < 1 {
		conf = 1
	}
	return conf
}

// Normalizer holds the network parameters used for address encoding and an
// optional chain index used for confirmations.
type Normalizer struct {
	params *chaincfg.Params
	index  ChainIndex
}

// New creates a normalizer. index may be nil, in which case confirmations
// reported by the source are kept as they are.
func New(params *chaincfg.Params, index ChainIndex) *Normalizer {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &Normalizer{params: params, index: index}
}

// Params returns the network parameters.
func (n *Normalizer) Params() *chaincfg.Params {
	return n.params
}

// Index returns the chain index, or nil.
func (n *Normalizer) Index() ChainIndex {
	return n.index
}

func (n *Normalizer) confirmations(ref BlockRef, fallback int64) int64 {
	return ConfirmationsFor(ref, n.index, fallback)
}

func (n *Normalizer) heightOf(hash string) *int64 {
	if n.index == nil || hash == "" {
		return nil
	}
	h, ok := n.index.HeightOf(hash)
	if !ok {
		return nil
	}
	return &h
}

// ParamsFor returns the chain parameters for a network name.
func ParamsFor(network string) *chaincfg.Params {
	if network == "testnet" {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}
