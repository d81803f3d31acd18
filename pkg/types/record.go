package types

// Output script classes.
const (
	ScriptPubKeyHash  = "pubkeyhash"
	ScriptPubKey      = "pubkey"
	ScriptNonStandard = "nonstandard"
)

// Wallet transaction categories.
const (
	CategorySend     = "send"
	CategoryReceive  = "receive"
	CategoryGenerate = "generate"
	CategoryImmature = "immature"
	CategoryOrphan   = "orphan"
	CategoryMove     = "move"
)

// HeightUnknown marks a block whose height has not been resolved.
const HeightUnknown int64 = -1

// Input is a canonical transaction input.
// A coinbase input carries Coinbase=true, no address and zero value.
type Input struct {
	PrevHash  string `json:"prev_hash,omitempty"`
	PrevIndex uint32 `json:"prev_index"`
	Address   string `json:"address"`
	Value     Amount `json:"value"`
	Script    string `json:"script,omitempty"`
	Coinbase  bool   `json:"coinbase,omitempty"`
}

// Output is a canonical transaction output.
// Address is empty for scripts that are neither P2PKH nor P2PK.
type Output struct {
	Index      uint32 `json:"index"`
	Address    string `json:"address"`
	Value      Amount `json:"value"`
	Script     string `json:"script,omitempty"`
	ScriptType string `json:"script_type"`
}

// ValueTotals summarizes a transaction's value flow in base units.
// Net is the effect on the wallet, negative when funds leave it.
type ValueTotals struct {
	In  Amount `json:"in"`
	Out Amount `json:"out"`
	Fee Amount `json:"fee"`
	Net Amount `json:"net"`
}

// Transaction is the canonical transaction record.
type Transaction struct {
	Hash          string      `json:"hash"`
	Version       int32       `json:"version"`
	LockTime      uint32      `json:"locktime"`
	Size          int         `json:"size,omitempty"`
	Time          int64       `json:"time"`
	Confirmations int64       `json:"confirmations"`
	BlockHash     string      `json:"block_hash,omitempty"`
	BlockHeight   *int64      `json:"block_height,omitempty"`
	Inputs        []Input     `json:"inputs"`
	Outputs       []Output    `json:"outputs"`
	Totals        ValueTotals `json:"totals"`
	Category      string      `json:"category,omitempty"`
	Account       string      `json:"account,omitempty"`
	Address       string      `json:"address,omitempty"`
	Normalized    bool        `json:"normalized"`
}

// IsCoinbase reports whether the first input is a coinbase input.
func (t *Transaction) IsCoinbase() bool {
	return len(t.Inputs) > 0 && t.Inputs[0].Coinbase
}

// Block is the canonical block record.
// Transactions holds full records when the source provides them; TxIDs
// always lists every transaction hash in block order.
type Block struct {
	Hash          string        `json:"hash"`
	Height        int64         `json:"height"`
	Version       int32         `json:"version"`
	Time          int64         `json:"time"`
	Bits          uint32        `json:"bits"`
	Nonce         uint32        `json:"nonce"`
	Size          int           `json:"size"`
	MerkleRoot    string        `json:"merkle_root"`
	PreviousHash  string        `json:"previous_hash,omitempty"`
	NextHash      string        `json:"next_hash,omitempty"`
	Confirmations int64         `json:"confirmations"`
	Transactions  []Transaction `json:"transactions,omitempty"`
	TxIDs         []string      `json:"txids"`
	Normalized    bool          `json:"normalized"`
}

// AddressHistory is the canonical view of an explorer address page.
type AddressHistory struct {
	Address       string        `json:"address"`
	TxCount       int           `json:"tx_count"`
	TotalReceived Amount        `json:"total_received"`
	TotalSent     Amount        `json:"total_sent"`
	FinalBalance  Amount        `json:"final_balance"`
	Transactions  []Transaction `json:"transactions"`
}
