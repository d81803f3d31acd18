package normalize

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/cointerm/internal/errs"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// Explorer JSON carries values as integer base units.

// ExplorerPrevOut is the spent output referenced by an explorer input.
type ExplorerPrevOut struct {
	Addr    string  `json:"addr"`
	N       *uint32 `json:"n"`
	Script  string  `json:"script"`
	Spent   bool    `json:"spent"`
	TxIndex int64   `json:"tx_index"`
	Value   int64   `json:"value"`
}

// ExplorerInput is one entry of an explorer transaction's "inputs".
type ExplorerInput struct {
	Sequence uint32           `json:"sequence"`
	Script   string           `json:"script"`
	PrevOut  *ExplorerPrevOut `json:"prev_out"`
}

// ExplorerOutput is one entry of an explorer transaction's "out".
type ExplorerOutput struct {
	N       uint32 `json:"n"`
	Value   int64  `json:"value"`
	Addr    string `json:"addr"`
	Script  string `json:"script"`
	Spent   bool   `json:"spent"`
	TxIndex int64  `json:"tx_index"`
}

// ExplorerTx is the /rawtx/{hash} shape, also embedded in blocks and address
// histories.
type ExplorerTx struct {
	Hash        string           `json:"hash"`
	Ver         int32            `json:"ver"`
	Size        int              `json:"size"`
	LockTime    uint32           `json:"lock_time"`
	Time        int64            `json:"time"`
	TxIndex     int64            `json:"tx_index"`
	BlockHeight *int64           `json:"block_height"`
	Fee         *int64           `json:"fee"`
	Inputs      []ExplorerInput  `json:"inputs"`
	Out         []ExplorerOutput `json:"out"`

	// Result is the net effect on the queried address in /rawaddr listings.
	Result *int64 `json:"result"`
}

// ExplorerBlock is the /rawblock/{hash} shape.
type ExplorerBlock struct {
	Hash       string       `json:"hash"`
	Ver        int32        `json:"ver"`
	PrevBlock  string       `json:"prev_block"`
	MrklRoot   string       `json:"mrkl_root"`
	Time       int64        `json:"time"`
	Bits       uint32       `json:"bits"`
	Nonce      uint32       `json:"nonce"`
	NTx        int          `json:"n_tx"`
	Size       int          `json:"size"`
	BlockIndex int64        `json:"block_index"`
	MainChain  bool         `json:"main_chain"`
	Height     int64        `json:"height"`
	NextBlock  []string     `json:"next_block"`
	Tx         []ExplorerTx `json:"tx"`
}

// ExplorerLatest is the /latestblock shape.
type ExplorerLatest struct {
	Hash       string `json:"hash"`
	Time       int64  `json:"time"`
	BlockIndex int64  `json:"block_index"`
	Height     int64  `json:"height"`
}

// ExplorerAddress is the /rawaddr/{address} shape.
type ExplorerAddress struct {
	Hash160       string       `json:"hash160"`
	Address       string       `json:"address"`
	NTx           int          `json:"n_tx"`
	TotalReceived int64        `json:"total_received"`
	TotalSent     int64        `json:"total_sent"`
	FinalBalance  int64        `json:"final_balance"`
	Txs           []ExplorerTx `json:"txs"`
}

func explorerCoinbase(in ExplorerInput) bool {
	if in.PrevOut == nil {
		return true
	}
	return in.PrevOut.N != nil && *in.PrevOut.N == wire.MaxPrevOutIndex && in.PrevOut.TxIndex == 0
}

// ExplorerTransaction converts an explorer transaction. blockHash locates the
// containing block when the caller knows it (explorer transactions only carry
// the height).
//
// Outputs are attributed by classifying their script; the explorer's own
// address field is ignored so non-standard outputs stay opaque. Explorer
// inputs reference their previous output by internal index only, so PrevHash
// is left empty.
func (n *Normalizer) ExplorerTransaction(tx *ExplorerTx, blockHash string) (*types.Transaction, error) {
	if tx.Hash == "" {
		return nil, &errs.NormalizationError{Kind: "tx", Field: "hash", Err: fmt.Errorf("missing")}
	}
	if _, err := types.HexToHash(tx.Hash); err != nil {
		return nil, &errs.NormalizationError{Kind: "tx", ID: tx.Hash, Field: "hash", Err: err}
	}

	ref := BlockRef{Hash: blockHash, Height: tx.BlockHeight}
	out := &types.Transaction{
		Hash:        tx.Hash,
		Version:     tx.Ver,
		LockTime:    tx.LockTime,
		Size:        tx.Size,
		Time:        tx.Time,
		BlockHash:   blockHash,
		BlockHeight: tx.BlockHeight,
		Inputs:      make([]types.Input, 0, len(tx.Inputs)),
		Outputs:     make([]types.Output, 0, len(tx.Out)),
		Normalized:  true,
	}
	if out.BlockHeight == nil {
		out.BlockHeight = n.heightOf(blockHash)
	}
	var fallback int64
	if tx.BlockHeight != nil || blockHash != "" {
		fallback = 1
	}
	out.Confirmations = n.confirmations(ref, fallback)

	coinbase := len(tx.Inputs) == 1 && explorerCoinbase(tx.Inputs[0])
	for i, in := range tx.Inputs {
		if coinbase {
			out.Inputs = append(out.Inputs, coinbaseInput(in.Script))
			break
		}
		if in.PrevOut == nil {
			return nil, &errs.NormalizationError{Kind: "tx", ID: tx.Hash, Field: "inputs[" + strconv.Itoa(i) + "].prev_out", Err: fmt.Errorf("missing")}
		}
		var idx uint32
		if in.PrevOut.N != nil {
			idx = *in.PrevOut.N
		}
		_, addr := ClassifyScriptHex(in.PrevOut.Script, n.params)
		out.Inputs = append(out.Inputs, types.Input{
			PrevIndex: idx,
			Address:   addr,
			Value:     types.Amount(in.PrevOut.Value),
			Script:    in.Script,
		})
		out.Totals.In += types.Amount(in.PrevOut.Value)
	}

	for i, o := range tx.Out {
		if o.Script == "" {
			return nil, &errs.NormalizationError{Kind: "tx", ID: tx.Hash, Field: "out[" + strconv.Itoa(i) + "].script", Err: fmt.Errorf("missing")}
		}
		st, addr := ClassifyScriptHex(o.Script, n.params)
		out.Outputs = append(out.Outputs, types.Output{
			Index:      o.N,
			Address:    addr,
			Value:      types.Amount(o.Value),
			Script:     o.Script,
			ScriptType: st,
		})
		out.Totals.Out += types.Amount(o.Value)
	}

	switch {
	case tx.Fee != nil:
		out.Totals.Fee = types.Amount(*tx.Fee)
	case !coinbase && out.Totals.In >= out.Totals.Out:
		out.Totals.Fee = out.Totals.In - out.Totals.Out
	}
	if tx.Result != nil {
		out.Totals.Net = types.Amount(*tx.Result)
	}
	return out, nil
}

// ExplorerBlock converts an explorer block with its transactions.
func (n *Normalizer) ExplorerBlock(b *ExplorerBlock) (*types.Block, error) {
	if b.Hash == "" {
		return nil, &errs.NormalizationError{Kind: "block", Field: "hash", Err: fmt.Errorf("missing")}
	}
	height := b.Height
	ref := BlockRef{Hash: b.Hash, Height: &height}
	out := &types.Block{
		Hash:          b.Hash,
		Height:        b.Height,
		Version:       b.Ver,
		Time:          b.Time,
		Bits:          b.Bits,
		Nonce:         b.Nonce,
		Size:          b.Size,
		MerkleRoot:    b.MrklRoot,
		Confirmations: n.confirmations(ref, 1),
		Transactions:  make([]types.Transaction, 0, len(b.Tx)),
		TxIDs:         make([]string, 0, len(b.Tx)),
		Normalized:    true,
	}
	if b.PrevBlock != (types.Hash{}).String() {
		out.PreviousHash = b.PrevBlock
	}
	if len(b.NextBlock) > 0 {
		out.NextHash = b.NextBlock[0]
	}
	for i := range b.Tx {
		tx := b.Tx[i]
		if tx.BlockHeight == nil {
			tx.BlockHeight = &height
		}
		if tx.Time == 0 {
			tx.Time = b.Time
		}
		ctx, err := n.ExplorerTransaction(&tx, b.Hash)
		if err != nil {
			return nil, withID(err, b.Hash)
		}
		out.Transactions = append(out.Transactions, *ctx)
		out.TxIDs = append(out.TxIDs, ctx.Hash)
	}
	return out, nil
}

// ExplorerMainChain picks the main-chain block among the candidates a
// /block-height response lists for height.
func (n *Normalizer) ExplorerMainChain(blocks []ExplorerBlock, height int64) (*types.Block, error) {
	for i := range blocks {
		if blocks[i].MainChain {
			return n.ExplorerBlock(&blocks[i])
		}
	}
	if len(blocks) == 1 {
		return n.ExplorerBlock(&blocks[0])
	}
	return nil, &errs.NormalizationError{
		Kind:  "block",
		ID:    strconv.FormatInt(height, 10),
		Field: "blocks",
		Err:   fmt.Errorf("no main chain block among %d", len(blocks)),
	}
}

// ExplorerAddressHistory converts an address listing. Transactions that fail
// to convert are skipped and reported.
func (n *Normalizer) ExplorerAddressHistory(a *ExplorerAddress) (*types.AddressHistory, []error) {
	txs, failures := Bulk("tx", a.Txs, func(tx ExplorerTx) (*types.Transaction, error) {
		return n.ExplorerTransaction(&tx, "")
	})
	return &types.AddressHistory{
		Address:       a.Address,
		TxCount:       a.NTx,
		TotalReceived: types.Amount(a.TotalReceived),
		TotalSent:     types.Amount(a.TotalSent),
		FinalBalance:  types.Amount(a.FinalBalance),
		Transactions:  txs,
	}, failures
}
