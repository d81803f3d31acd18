// Package wallet implements the embedded HD wallet: BIP-39 mnemonics, BIP-44
// P2PKH key derivation, labels, imported keys and an encrypted keystore file.
package wallet

import (
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// Mnemonic entropy sizes.
const (
	MnemonicEntropy12Words = 128
	MnemonicEntropy24Words = 256
)

// GenerateMnemonic creates a new BIP-39 mnemonic from bits of entropy.
func GenerateMnemonic(bits int) (string, error) {
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks word count, words and checksum.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(mnemonic))
}

// normalizeMnemonic collapses whitespace and lower-cases the words.
func normalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}
