package normalize

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/cointerm/internal/errs"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// DecodeWireTx parses a serialized transaction.
func DecodeWireTx(raw []byte) (*wire.MsgTx, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, &errs.NormalizationError{Kind: "tx", Field: "raw", Err: err}
	}
	return &tx, nil
}

// DecodeWireTxHex parses a hex-encoded serialized transaction.
func DecodeWireTxHex(s string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, &errs.NormalizationError{Kind: "tx", Field: "hex", Err: err}
	}
	return DecodeWireTx(raw)
}

// DecodeWireBlock parses a serialized block.
func DecodeWireBlock(raw []byte) (*wire.MsgBlock, error) {
	var blk wire.MsgBlock
	if err := blk.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, &errs.NormalizationError{Kind: "block", Field: "raw", Err: err}
	}
	return &blk, nil
}

// DecodeWireBlockHex parses a hex-encoded serialized block.
func DecodeWireBlockHex(s string) (*wire.MsgBlock, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, &errs.NormalizationError{Kind: "block", Field: "hex", Err: err}
	}
	return DecodeWireBlock(raw)
}

// isCoinbase reports whether tx has the single null-outpoint input of a
// coinbase transaction.
func isCoinbase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prev := tx.TxIn[0].PreviousOutPoint
	return prev.Index == wire.MaxPrevOutIndex && prev.Hash == (chainhash.Hash{})
}

// coinbaseInput is the synthetic input every coinbase transaction gets.
func coinbaseInput(script string) types.Input {
	return types.Input{
		PrevIndex: wire.MaxPrevOutIndex,
		Script:    script,
		Coinbase:  true,
	}
}

// WireTx converts a decoded transaction. ref locates the containing block
// (zero for unconfirmed); blockTime is used as the transaction time.
//
// Input values and addresses are not part of the wire encoding. Addresses of
// P2PKH spends are recovered from the signature script; values stay zero and
// Totals.In and Totals.Fee are left unset.
func (n *Normalizer) WireTx(tx *wire.MsgTx, ref BlockRef, blockTime int64) *types.Transaction {
	out := &types.Transaction{
		Hash:       tx.TxHash().String(),
		Version:    tx.Version,
		LockTime:   tx.LockTime,
		Size:       tx.SerializeSize(),
		Time:       blockTime,
		BlockHash:  ref.Hash,
		Inputs:     make([]types.Input, 0, len(tx.TxIn)),
		Outputs:    make([]types.Output, 0, len(tx.TxOut)),
		Normalized: true,
	}
	out.BlockHeight = ref.Height
	if out.BlockHeight == nil {
		out.BlockHeight = n.heightOf(ref.Hash)
	}
	out.Confirmations = n.confirmations(ref, 0)

	if isCoinbase(tx) {
		out.Inputs = append(out.Inputs, coinbaseInput(hex.EncodeToString(tx.TxIn[0].SignatureScript)))
	} else {
		for _, in := range tx.TxIn {
			out.Inputs = append(out.Inputs, types.Input{
				PrevHash:  in.PreviousOutPoint.Hash.String(),
				PrevIndex: in.PreviousOutPoint.Index,
				Address:   spenderAddress(in.SignatureScript, n.params),
				Script:    hex.EncodeToString(in.SignatureScript),
			})
		}
	}

	for i, o := range tx.TxOut {
		st, addr := ClassifyScript(o.PkScript, n.params)
		out.Outputs = append(out.Outputs, types.Output{
			Index:      uint32(i),
			Address:    addr,
			Value:      types.Amount(o.Value),
			Script:     hex.EncodeToString(o.PkScript),
			ScriptType: st,
		})
		out.Totals.Out += types.Amount(o.Value)
	}
	return out
}

// WireBlock converts a decoded block. height may be types.HeightUnknown, in
// which case the chain index is consulted.
func (n *Normalizer) WireBlock(blk *wire.MsgBlock, height int64) *types.Block {
	hash := blk.BlockHash().String()
	if height == types.HeightUnknown && n.index != nil {
		if h, ok := n.index.HeightOf(hash); ok {
			height = h
		}
	}

	ref := BlockRef{Hash: hash}
	if height != types.HeightUnknown {
		h := height
		ref.Height = &h
	}

	out := &types.Block{
		Hash:          hash,
		Height:        height,
		Version:       blk.Header.Version,
		Time:          blk.Header.Timestamp.Unix(),
		Bits:          blk.Header.Bits,
		Nonce:         blk.Header.Nonce,
		Size:          blk.SerializeSize(),
		MerkleRoot:    blk.Header.MerkleRoot.String(),
		Confirmations: n.confirmations(ref, 0),
		Transactions:  make([]types.Transaction, 0, len(blk.Transactions)),
		TxIDs:         make([]string, 0, len(blk.Transactions)),
		Normalized:    true,
	}
	if blk.Header.PrevBlock != (chainhash.Hash{}) {
		out.PreviousHash = blk.Header.PrevBlock.String()
	}
	for _, tx := range blk.Transactions {
		ctx := n.WireTx(tx, ref, out.Time)
		out.Transactions = append(out.Transactions, *ctx)
		out.TxIDs = append(out.TxIDs, ctx.Hash)
	}
	return out
}

// RawTransaction decodes and converts a serialized transaction.
func (n *Normalizer) RawTransaction(raw []byte, ref BlockRef, blockTime int64) (*types.Transaction, error) {
	tx, err := DecodeWireTx(raw)
	if err != nil {
		return nil, err
	}
	return n.WireTx(tx, ref, blockTime), nil
}

// RawBlock decodes and converts a serialized block.
func (n *Normalizer) RawBlock(raw []byte, height int64) (*types.Block, error) {
	blk, err := DecodeWireBlock(raw)
	if err != nil {
		return nil, err
	}
	return n.WireBlock(blk, height), nil
}

func checkHash(kind, want, got string) error {
	if want != "" && want != got {
		return &errs.NormalizationError{Kind: kind, ID: want, Field: "hex", Err: fmt.Errorf("decodes to %s", got)}
	}
	return nil
}
