package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/cointerm/pkg/types"
)

// AmountParam renders an amount as an exact decimal JSON number in coins,
// the unit daemon RPC methods expect.
func AmountParam(a types.Amount) json.Number {
	return json.Number(a.Coins().String())
}

// AddressParam checks that address decodes for params and returns its
// canonical encoding.
func AddressParam(address string, params *chaincfg.Params) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("empty address")
	}
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}
	if !decoded.IsForNet(params) {
		return "", fmt.Errorf("address %q is not for %s", address, params.Name)
	}
	return decoded.EncodeAddress(), nil
}

// AddressParam is AddressParam for the normalizer's network.
func (n *Normalizer) AddressParam(address string) (string, error) {
	return AddressParam(address, n.params)
}
