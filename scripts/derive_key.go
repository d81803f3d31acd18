// derive_key.go prints the pubkey, address and WIF for a private key given
// as WIF or as a hex file.
// Usage: go run scripts/derive_key.go [--testnet] <wif|keyfile>
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/cointerm/pkg/crypto"
)

func main() {
	args := os.Args[1:]
	params := &chaincfg.MainNetParams
	if len(args) > 0 && args[0] == "--testnet" {
		params = &chaincfg.TestNet3Params
		args = args[1:]
	}
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: derive_key [--testnet] <wif|keyfile>")
		os.Exit(1)
	}

	key, err := crypto.PrivateKeyFromWIF(args[0], params)
	if err != nil {
		data, rerr := os.ReadFile(args[0])
		if rerr != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		keyBytes, derr := hex.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil {
			fmt.Fprintln(os.Stderr, derr)
			os.Exit(1)
		}
		if key, err = crypto.PrivateKeyFromBytes(keyBytes, true); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	defer key.Zero()

	addr, err := key.Address(params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	wif, err := key.WIF(params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("pubkey=%s\n", hex.EncodeToString(key.PublicKey()))
	fmt.Printf("address=%s\n", addr)
	fmt.Printf("wif=%s\n", wif)
}
