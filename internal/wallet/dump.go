package wallet

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/pkg/crypto"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

const checksumPrefix = "# checksum "

// ErrBadChecksum is returned when a wallet dump's checksum line does not
// match its contents.
var ErrBadChecksum = errors.New("wallet dump checksum mismatch")

// Dump writes every private key as a WIF line to path, followed by a BLAKE3
// checksum of the preceding text. An existing file is never overwritten.
func (w *Wallet) Dump(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.secrets == nil {
		return ErrLocked
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Wallet dump created by cointerm\n")
	fmt.Fprintf(&buf, "# * Created on %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "# * Network: %s\n\n", w.params.Name)
	for _, entry := range w.kf.Keys {
		key, err := w.privateKey(entry.Address)
		if err != nil {
			return err
		}
		wif, err := key.WIF(w.params)
		key.Zero()
		if err != nil {
			return err
		}
		created := time.Unix(entry.CreatedAt, 0).UTC().Format(time.RFC3339)
		fmt.Fprintf(&buf, "%s %s label=%s # addr=%s\n", wif, created, url.QueryEscape(entry.Label), entry.Address)
	}
	buf.WriteString("\n# End of dump\n")
	sum := crypto.Checksum(buf.Bytes())
	fmt.Fprintf(&buf, "%s%s\n", checksumPrefix, sum)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create dump: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write dump: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write dump: %w", err)
	}
	klog.Wallet.Info().Str("path", path).Int("keys", len(w.kf.Keys)).Msg("Wallet dumped")
	return nil
}

// Import reads a dump produced by Dump and imports every key the wallet
// does not hold yet. Dumps without a checksum line are accepted; a present
// checksum must match. It returns the number of keys added.
func (w *Wallet) Import(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read dump: %w", err)
	}
	body, err := verifyDump(data)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.secrets == nil {
		return 0, ErrLocked
	}

	added := 0
	sc := bufio.NewScanner(bytes.NewReader(body))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		wif, created, label := parseDumpLine(text)
		key, err := crypto.PrivateKeyFromWIF(wif, w.params)
		if err != nil {
			return added, fmt.Errorf("dump line %d: %w", line, err)
		}
		_, ok, err := w.importKey(key, label, created)
		key.Zero()
		if err != nil {
			return added, fmt.Errorf("dump line %d: %w", line, err)
		}
		if ok {
			added++
		}
	}
	if err := sc.Err(); err != nil {
		return added, fmt.Errorf("read dump: %w", err)
	}
	if added > 0 {
		if err := w.commitImports(); err != nil {
			return 0, err
		}
	}
	klog.Wallet.Info().Str("path", path).Int("added", added).Msg("Wallet dump imported")
	return added, nil
}

// verifyDump splits off and checks the trailing checksum line.
func verifyDump(data []byte) ([]byte, error) {
	trimmed := bytes.TrimRight(data, "\n")
	i := bytes.LastIndexByte(trimmed, '\n')
	last := string(trimmed[i+1:])
	if !strings.HasPrefix(last, checksumPrefix) {
		return data, nil
	}
	want, err := types.HexToHash(strings.TrimSpace(strings.TrimPrefix(last, checksumPrefix)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadChecksum, err)
	}
	body := data[:i+1]
	if crypto.Checksum(body) != want {
		return nil, ErrBadChecksum
	}
	return body, nil
}

// parseDumpLine splits "<wif> <time> label=<label> # addr=<address>".
// Missing fields default to zero values.
func parseDumpLine(line string) (wif string, created int64, label string) {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", 0, ""
	}
	wif = fields[0]
	for _, f := range fields[1:] {
		if t, err := time.Parse(time.RFC3339, f); err == nil {
			created = t.Unix()
			continue
		}
		if v, ok := strings.CutPrefix(f, "label="); ok {
			if l, err := url.QueryUnescape(v); err == nil {
				label = l
			}
		}
	}
	return wif, created, label
}
