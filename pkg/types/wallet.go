package types

// Account is a wallet label with its balance and primary receive address.
type Account struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Balance Amount `json:"balance"`
}

// Address is a wallet address and the label it belongs to.
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Received is one row of a received-by-address listing.
type Received struct {
	Address       string `json:"address"`
	Account       string `json:"account"`
	Amount        Amount `json:"amount"`
	Confirmations int64  `json:"confirmations"`
}

// Info is the canonical daemon/wallet status summary.
type Info struct {
	Version         int64  `json:"version"`
	ProtocolVersion int64  `json:"protocolversion"`
	WalletVersion   int64  `json:"walletversion"`
	Balance         Amount `json:"balance"`
	Blocks          int64  `json:"blocks"`
	Connections     int64  `json:"connections"`
	Proxy           string `json:"proxy,omitempty"`
	Difficulty      string `json:"difficulty,omitempty"`
	Testnet         bool   `json:"testnet"`
	KeyPoolOldest   int64  `json:"keypoololdest"`
	KeyPoolSize     int64  `json:"keypoolsize"`
	PayTxFee        Amount `json:"paytxfee"`
	UnlockedUntil   *int64 `json:"unlocked_until,omitempty"`
	Errors          string `json:"errors,omitempty"`
}

// MiningInfo is the canonical mining status summary.
type MiningInfo struct {
	Blocks           int64  `json:"blocks"`
	CurrentBlockSize int64  `json:"currentblocksize"`
	CurrentBlockTx   int64  `json:"currentblocktx"`
	Difficulty       string `json:"difficulty"`
	Errors           string `json:"errors,omitempty"`
	Generate         bool   `json:"generate"`
	GenProcLimit     int64  `json:"genproclimit"`
	HashesPerSec     int64  `json:"hashespersec"`
	PooledTx         int64  `json:"pooledtx"`
	Testnet          bool   `json:"testnet"`
}

// Stats is the composite snapshot displayed by the wallet front-end.
type Stats struct {
	Balance      Amount            `json:"balance"`
	Accounts     map[string]Amount `json:"accounts"`
	Transactions []Transaction     `json:"transactions"`
	Addresses    []Address         `json:"addresses"`
	Info         Info              `json:"info"`
	Encrypted    bool              `json:"encrypted"`
}
