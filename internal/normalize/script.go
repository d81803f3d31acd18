package normalize

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/cointerm/pkg/types"
)

// ClassifyScript recognizes exactly two output templates:
//
//	P2PKH: OP_DUP OP_HASH160 <20 bytes> OP_EQUALVERIFY OP_CHECKSIG
//	P2PK:  <33 or 65 byte pubkey> OP_CHECKSIG
//
// A P2PK output is attributed to the P2PKH address of its key. Any other
// script is nonstandard and has no address.
func ClassifyScript(script []byte, params *chaincfg.Params) (scriptType, address string) {
	if hash := p2pkhHash(script); hash != nil {
		if addr := pubKeyHashAddress(hash, params); addr != "" {
			return types.ScriptPubKeyHash, addr
		}
	}
	if pub := p2pkKey(script); pub != nil {
		if addr := pubKeyHashAddress(btcutil.Hash160(pub), params); addr != "" {
			return types.ScriptPubKey, addr
		}
	}
	return types.ScriptNonStandard, ""
}

// ClassifyScriptHex is ClassifyScript for hex-encoded scripts.
// Undecodable hex is nonstandard.
func ClassifyScriptHex(script string, params *chaincfg.Params) (scriptType, address string) {
	raw, err := hex.DecodeString(script)
	if err != nil {
		return types.ScriptNonStandard, ""
	}
	return ClassifyScript(raw, params)
}

func p2pkhHash(s []byte) []byte {
	if len(s) == 25 &&
		s[0] == txscript.OP_DUP &&
		s[1] == txscript.OP_HASH160 &&
		s[2] == txscript.OP_DATA_20 &&
		s[23] == txscript.OP_EQUALVERIFY &&
		s[24] == txscript.OP_CHECKSIG {
		return s[3:23]
	}
	return nil
}

func p2pkKey(s []byte) []byte {
	switch {
	case len(s) == 35 && s[0] == txscript.OP_DATA_33 && s[34] == txscript.OP_CHECKSIG:
		if s[1] == 0x02 || s[1] == 0x03 {
			return s[1:34]
		}
	case len(s) == 67 && s[0] == txscript.OP_DATA_65 && s[66] == txscript.OP_CHECKSIG:
		if s[1] == 0x04 {
			return s[1:66]
		}
	}
	return nil
}

// spenderAddress derives the spending address of a P2PKH signature script
// (<sig> <pubkey>), or "" for anything else.
func spenderAddress(sigScript []byte, params *chaincfg.Params) string {
	pushes, err := txscript.PushedData(sigScript)
	if err != nil || len(pushes) != 2 {
		return ""
	}
	pub := pushes[1]
	switch {
	case len(pub) == 33 && (pub[0] == 0x02 || pub[0] == 0x03):
	case len(pub) == 65 && pub[0] == 0x04:
	default:
		return ""
	}
	return pubKeyHashAddress(btcutil.Hash160(pub), params)
}

func pubKeyHashAddress(hash []byte, params *chaincfg.Params) string {
	addr, err := btcutil.NewAddressPubKeyHash(hash, params)
	if err != nil {
		return ""
	}
	return addr.EncodeAddress()
}

// addressScriptType reports the script class of an address string as far as
// this package recognizes it. Only P2PKH addresses for params qualify.
func addressScriptType(address string, params *chaincfg.Params) (string, string) {
	if address == "" {
		return types.ScriptNonStandard, ""
	}
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil || !decoded.IsForNet(params) {
		return types.ScriptNonStandard, ""
	}
	if _, ok := decoded.(*btcutil.AddressPubKeyHash); !ok {
		return types.ScriptNonStandard, ""
	}
	return types.ScriptPubKeyHash, decoded.EncodeAddress()
}
