package normalize

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/cointerm/internal/errs"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// Transaction normalizes a transaction from any supported source shape:
// a canonical record, *NodeTx, *ExplorerTx, *wire.MsgTx or serialized bytes.
// A canonical record is returned as it is.
func (n *Normalizer) Transaction(rec any) (*types.Transaction, error) {
	switch r := rec.(type) {
	case *types.Transaction:
		if r == nil || !r.Normalized {
			return nil, notCanonical("tx", r)
		}
		return r, nil
	case types.Transaction:
		if !r.Normalized {
			return nil, notCanonical("tx", &r)
		}
		return &r, nil
	case *NodeTx:
		return n.NodeTransaction(r)
	case *ExplorerTx:
		return n.ExplorerTransaction(r, "")
	case *wire.MsgTx:
		return n.WireTx(r, BlockRef{}, 0), nil
	case []byte:
		return n.RawTransaction(r, BlockRef{}, 0)
	default:
		return nil, &errs.NormalizationError{Kind: "tx", Err: fmt.Errorf("unsupported source %T", rec)}
	}
}

// Block normalizes a block from any supported source shape: a canonical
// record, *ExplorerBlock, *wire.MsgBlock or serialized bytes. Verbose node
// blocks arrive as JSON and go through NodeBlock.
func (n *Normalizer) Block(rec any) (*types.Block, error) {
	switch r := rec.(type) {
	case *types.Block:
		if r == nil || !r.Normalized {
			return nil, notCanonicalBlock(r)
		}
		return r, nil
	case types.Block:
		if !r.Normalized {
			return nil, notCanonicalBlock(&r)
		}
		return &r, nil
	case *ExplorerBlock:
		return n.ExplorerBlock(r)
	case *wire.MsgBlock:
		return n.WireBlock(r, types.HeightUnknown), nil
	case []byte:
		return n.RawBlock(r, types.HeightUnknown)
	default:
		return nil, &errs.NormalizationError{Kind: "block", Err: fmt.Errorf("unsupported source %T", rec)}
	}
}

func notCanonical(kind string, tx *types.Transaction) error {
	id := ""
	if tx != nil {
		id = tx.Hash
	}
	return &errs.NormalizationError{Kind: kind, ID: id, Field: "normalized", Err: fmt.Errorf("record was not produced by the normalizer")}
}

func notCanonicalBlock(b *types.Block) error {
	id := ""
	if b != nil {
		id = b.Hash
	}
	return &errs.NormalizationError{Kind: "block", ID: id, Field: "normalized", Err: fmt.Errorf("record was not produced by the normalizer")}
}
