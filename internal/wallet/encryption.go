package wallet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrWrongPassphrase is returned when sealed data cannot be opened with the
// given passphrase.
var ErrWrongPassphrase = errors.New("the wallet passphrase entered was incorrect")

// Sealed layout:
//
//	version(1) | salt(32) | memory(4) | iterations(4) | parallelism(1) | nonce(24) | ciphertext
//
// The header up to the nonce is authenticated as associated data.
const (
	sealVersion = 1
	SaltSize    = 32
	headerSize  = 1 + SaltSize + 4 + 4 + 1
)

// KDFParams holds Argon2id parameters.
type KDFParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultKDFParams returns the Argon2id parameters used for new wallets.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
	}
}

func deriveKey(passphrase, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Seal encrypts data under passphrase with Argon2id and XChaCha20-Poly1305.
func Seal(data, passphrase []byte, p KDFParams) ([]byte, error) {
	header := make([]byte, 0, headerSize)
	header = append(header, sealVersion)
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	header = append(header, salt...)
	header = binary.LittleEndian.AppendUint32(header, p.Memory)
	header = binary.LittleEndian.AppendUint32(header, p.Iterations)
	header = append(header, p.Parallelism)

	key := deriveKey(passphrase, salt, p)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := append(header, nonce...)
	return aead.Seal(out, nonce, data, header), nil
}

// Open decrypts data produced by Seal.
func Open(sealed, passphrase []byte) ([]byte, error) {
	minSize := headerSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(sealed) < minSize {
		return nil, fmt.Errorf("sealed data too short: %d bytes, need at least %d", len(sealed), minSize)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("unsupported seal version %d", sealed[0])
	}

	header := sealed[:headerSize]
	salt := header[1 : 1+SaltSize]
	p := KDFParams{
		Memory:      binary.LittleEndian.Uint32(header[1+SaltSize:]),
		Iterations:  binary.LittleEndian.Uint32(header[1+SaltSize+4:]),
		Parallelism: header[1+SaltSize+8],
	}
	nonce := sealed[headerSize : headerSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[headerSize+chacha20poly1305.NonceSizeX:]

	key := deriveKey(passphrase, salt, p)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}
