package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Klingon-tech/cointerm/internal/errs"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// NodeTxDetail is one entry of gettransaction "details".
type NodeTxDetail struct {
	Account  string       `json:"account"`
	Address  string       `json:"address"`
	Category string       `json:"category"`
	Amount   types.Amount `json:"amount"`
	Fee      types.Amount `json:"fee"`
	Vout     *uint32      `json:"vout"`
}

// NodeTx is a daemon wallet transaction as returned by gettransaction or as
// one entry of listtransactions.
type NodeTx struct {
	TxID          string         `json:"txid"`
	Amount        types.Amount   `json:"amount"`
	Fee           types.Amount   `json:"fee"`
	Confirmations int64          `json:"confirmations"`
	Generated     bool           `json:"generated"`
	BlockHash     string         `json:"blockhash"`
	BlockIndex    int64          `json:"blockindex"`
	BlockTime     int64          `json:"blocktime"`
	Time          int64          `json:"time"`
	TimeReceived  int64          `json:"timereceived"`
	Details       []NodeTxDetail `json:"details"`
	Hex           string         `json:"hex"`

	// Flattened fields of listtransactions entries.
	Account  string  `json:"account"`
	Address  string  `json:"address"`
	Category string  `json:"category"`
	Vout     *uint32 `json:"vout"`
}

// NodeBlock is the verbose getblock result.
type NodeBlock struct {
	Hash              string            `json:"hash"`
	Confirmations     int64             `json:"confirmations"`
	Size              int               `json:"size"`
	Height            int64             `json:"height"`
	Version           int32             `json:"version"`
	MerkleRoot        string            `json:"merkleroot"`
	Tx                []json.RawMessage `json:"tx"`
	Time              int64             `json:"time"`
	Nonce             uint32            `json:"nonce"`
	Bits              string            `json:"bits"`
	PreviousBlockHash string            `json:"previousblockhash"`
	NextBlockHash     string            `json:"nextblockhash"`
}

// NodeInfo is the getinfo result.
type NodeInfo struct {
	Version         int64        `json:"version"`
	ProtocolVersion int64        `json:"protocolversion"`
	WalletVersion   int64        `json:"walletversion"`
	Balance         types.Amount `json:"balance"`
	Blocks          int64        `json:"blocks"`
	Connections     int64        `json:"connections"`
	Proxy           string       `json:"proxy"`
	Difficulty      json.Number  `json:"difficulty"`
	Testnet         bool         `json:"testnet"`
	KeyPoolOldest   int64        `json:"keypoololdest"`
	KeyPoolSize     int64        `json:"keypoolsize"`
	PayTxFee        types.Amount `json:"paytxfee"`
	UnlockedUntil   *int64       `json:"unlocked_until"`
	Errors          string       `json:"errors"`
}

// NodeMiningInfo is the getmininginfo result.
type NodeMiningInfo struct {
	Blocks           int64       `json:"blocks"`
	CurrentBlockSize int64       `json:"currentblocksize"`
	CurrentBlockTx   int64       `json:"currentblocktx"`
	Difficulty       json.Number `json:"difficulty"`
	Errors           string      `json:"errors"`
	Generate         bool        `json:"generate"`
	GenProcLimit     int64       `json:"genproclimit"`
	HashesPerSec     int64       `json:"hashespersec"`
	PooledTx         int64       `json:"pooledtx"`
	Testnet          bool        `json:"testnet"`
}

// NodeReceived is one entry of listreceivedbyaddress.
type NodeReceived struct {
	Address       string       `json:"address"`
	Account       string       `json:"account"`
	Amount        types.Amount `json:"amount"`
	Confirmations int64        `json:"confirmations"`
}

func decode(kind, id string, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &errs.NormalizationError{Kind: kind, ID: id, Err: err}
	}
	return nil
}

// DecodeNodeTx parses a gettransaction result.
func DecodeNodeTx(raw []byte) (*NodeTx, error) {
	var tx NodeTx
	if err := decode("tx", "", raw, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// NodeTransaction converts a gettransaction result or listtransactions entry.
//
// When the record carries the raw transaction hex, inputs and outputs come
// from the decoded transaction; otherwise outputs are rebuilt from the wallet
// details and generated transactions get the synthetic coinbase input.
func (n *Normalizer) NodeTransaction(tx *NodeTx) (*types.Transaction, error) {
	if tx.TxID == "" {
		return nil, &errs.NormalizationError{Kind: "tx", Field: "txid", Err: fmt.Errorf("missing")}
	}

	ref := BlockRef{Hash: tx.BlockHash}
	when := tx.Time
	if when == 0 {
		when = tx.BlockTime
	}

	var out *types.Transaction
	if tx.Hex != "" {
		msg, err := DecodeWireTxHex(tx.Hex)
		if err != nil {
			return nil, withID(err, tx.TxID)
		}
		out = n.WireTx(msg, ref, when)
		if err := checkHash("tx", tx.TxID, out.Hash); err != nil {
			return nil, err
		}
	} else {
		out = &types.Transaction{
			Hash:        tx.TxID,
			Time:        when,
			BlockHash:   tx.BlockHash,
			BlockHeight: n.heightOf(tx.BlockHash),
			Inputs:      []types.Input{},
			Outputs:     []types.Output{},
			Normalized:  true,
		}
		details := tx.Details
		if len(details) == 0 && (tx.Address != "" || tx.Category != "") {
			details = []NodeTxDetail{{
				Account: tx.Account, Address: tx.Address, Category: tx.Category,
				Amount: tx.Amount, Fee: tx.Fee, Vout: tx.Vout,
			}}
		}
		if tx.Generated || isGenerated(tx.Category) || (len(details) > 0 && isGenerated(details[0].Category)) {
			out.Inputs = append(out.Inputs, coinbaseInput(""))
		}
		// Send details mirror the receiving side; use them only when the
		// transaction has nothing else to describe its outputs.
		outs := make([]NodeTxDetail, 0, len(details))
		for _, d := range details {
			if d.Category != types.CategorySend {
				outs = append(outs, d)
			}
		}
		if len(outs) == 0 {
			outs = details
		}
		for i, d := range outs {
			idx := uint32(i)
			if d.Vout != nil {
				idx = *d.Vout
			}
			st, addr := addressScriptType(d.Address, n.params)
			out.Outputs = append(out.Outputs, types.Output{
				Index:      idx,
				Address:    addr,
				Value:      abs(d.Amount),
				ScriptType: st,
			})
			out.Totals.Out += abs(d.Amount)
		}
	}

	out.Confirmations = n.confirmations(ref, tx.Confirmations)
	out.Totals.Fee = abs(tx.Fee)
	out.Totals.Net = tx.Amount + tx.Fee
	out.Account = tx.Account
	out.Address = tx.Address
	out.Category = tx.Category
	if len(tx.Details) > 0 {
		d := tx.Details[0]
		if out.Category == "" {
			out.Category = d.Category
		}
		if out.Account == "" {
			out.Account = d.Account
		}
		if out.Address == "" {
			out.Address = d.Address
		}
	}
	return out, nil
}

// NodeTransactions converts a listtransactions result, skipping records that
// fail and reporting each failure.
func (n *Normalizer) NodeTransactions(raw []byte) ([]types.Transaction, []error) {
	var entries []json.RawMessage
	if err := decode("txlist", "", raw, &entries); err != nil {
		return nil, []error{err}
	}
	return Bulk("tx", entries, func(r json.RawMessage) (*types.Transaction, error) {
		tx, err := DecodeNodeTx(r)
		if err != nil {
			return nil, err
		}
		return n.NodeTransaction(tx)
	})
}

// NodeBlock converts a verbose getblock result. Transactions given as objects
// with a hex field are decoded in full; plain txids only populate TxIDs.
func (n *Normalizer) NodeBlock(raw []byte) (*types.Block, error) {
	var nb NodeBlock
	if err := decode("block", "", raw, &nb); err != nil {
		return nil, err
	}
	if nb.Hash == "" {
		return nil, &errs.NormalizationError{Kind: "block", Field: "hash", Err: fmt.Errorf("missing")}
	}

	var bits uint64
	if nb.Bits != "" {
		var err error
		bits, err = strconv.ParseUint(nb.Bits, 16, 32)
		if err != nil {
			return nil, &errs.NormalizationError{Kind: "block", ID: nb.Hash, Field: "bits", Err: err}
		}
	}

	height := nb.Height
	ref := BlockRef{Hash: nb.Hash, Height: &height}
	out := &types.Block{
		Hash:          nb.Hash,
		Height:        nb.Height,
		Version:       nb.Version,
		Time:          nb.Time,
		Bits:          uint32(bits),
		Nonce:         nb.Nonce,
		Size:          nb.Size,
		MerkleRoot:    nb.MerkleRoot,
		PreviousHash:  nb.PreviousBlockHash,
		NextHash:      nb.NextBlockHash,
		Confirmations: n.confirmations(ref, nb.Confirmations),
		TxIDs:         make([]string, 0, len(nb.Tx)),
		Normalized:    true,
	}

	for i, rawTx := range nb.Tx {
		var txid string
		if json.Unmarshal(rawTx, &txid) == nil {
			out.TxIDs = append(out.TxIDs, txid)
			continue
		}
		var full struct {
			TxID string `json:"txid"`
			Hex  string `json:"hex"`
		}
		if err := json.Unmarshal(rawTx, &full); err != nil || full.Hex == "" {
			return nil, &errs.NormalizationError{Kind: "block", ID: nb.Hash, Field: fmt.Sprintf("tx[%d]", i), Err: fmt.Errorf("neither txid nor raw transaction")}
		}
		msg, err := DecodeWireTxHex(full.Hex)
		if err != nil {
			return nil, withID(err, nb.Hash)
		}
		tx := n.WireTx(msg, ref, nb.Time)
		out.Transactions = append(out.Transactions, *tx)
		out.TxIDs = append(out.TxIDs, tx.Hash)
	}
	return out, nil
}

// NodeInfo converts a getinfo result.
func (n *Normalizer) NodeInfo(raw []byte) (*types.Info, error) {
	var ni NodeInfo
	if err := decode("info", "", raw, &ni); err != nil {
		return nil, err
	}
	return &types.Info{
		Version:         ni.Version,
		ProtocolVersion: ni.ProtocolVersion,
		WalletVersion:   ni.WalletVersion,
		Balance:         ni.Balance,
		Blocks:          ni.Blocks,
		Connections:     ni.Connections,
		Proxy:           ni.Proxy,
		Difficulty:      ni.Difficulty.String(),
		Testnet:         ni.Testnet,
		KeyPoolOldest:   ni.KeyPoolOldest,
		KeyPoolSize:     ni.KeyPoolSize,
		PayTxFee:        ni.PayTxFee,
		UnlockedUntil:   ni.UnlockedUntil,
		Errors:          ni.Errors,
	}, nil
}

// NodeMiningInfo converts a getmininginfo result.
func (n *Normalizer) NodeMiningInfo(raw []byte) (*types.MiningInfo, error) {
	var mi NodeMiningInfo
	if err := decode("mininginfo", "", raw, &mi); err != nil {
		return nil, err
	}
	return &types.MiningInfo{
		Blocks:           mi.Blocks,
		CurrentBlockSize: mi.CurrentBlockSize,
		CurrentBlockTx:   mi.CurrentBlockTx,
		Difficulty:       mi.Difficulty.String(),
		Errors:           mi.Errors,
		Generate:         mi.Generate,
		GenProcLimit:     mi.GenProcLimit,
		HashesPerSec:     mi.HashesPerSec,
		PooledTx:         mi.PooledTx,
		Testnet:          mi.Testnet,
	}, nil
}

// NodeAccounts converts a listaccounts result.
func (n *Normalizer) NodeAccounts(raw []byte) (map[string]types.Amount, error) {
	accounts := make(map[string]types.Amount)
	if err := decode("accounts", "", raw, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// NodeReceived converts a listreceivedbyaddress result.
func (n *Normalizer) NodeReceived(raw []byte) ([]types.Received, error) {
	var entries []NodeReceived
	if err := decode("received", "", raw, &entries); err != nil {
		return nil, err
	}
	out := make([]types.Received, len(entries))
	for i, e := range entries {
		out[i] = types.Received{
			Address:       e.Address,
			Account:       e.Account,
			Amount:        e.Amount,
			Confirmations: e.Confirmations,
		}
	}
	return out, nil
}

// NodeAmount converts a bare amount result such as getbalance.
func (n *Normalizer) NodeAmount(raw []byte) (types.Amount, error) {
	var a types.Amount
	if err := decode("amount", "", raw, &a); err != nil {
		return 0, err
	}
	return a, nil
}

func isGenerated(category string) bool {
	switch category {
	case types.CategoryGenerate, types.CategoryImmature, types.CategoryOrphan:
		return true
	}
	return false
}

func abs(a types.Amount) types.Amount {
	if a < 0 {
		return -a
	}
	return a
}

func withID(err error, id string) error {
	if ne, ok := err.(*errs.NormalizationError); ok && ne.ID == "" {
		cp := *ne
		cp.ID = id
		return &cp
	}
	return err
}
