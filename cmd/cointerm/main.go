// Cointerm command-line wallet.
//
// Usage:
//
//	cointerm [options] <command> [args]   Run one wallet command
//	cointerm --help                       Show help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/Klingon-tech/cointerm/config"
	"github.com/Klingon-tech/cointerm/internal/backend"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/node"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

const version = "0.1.0"

// defaultUnlockSeconds is how long "unlock" keeps the wallet open.
const defaultUnlockSeconds = 300

func usage() {
	config.PrintUsage(os.Stderr)
	fmt.Fprint(os.Stderr, `
Wallet Commands:
  info                              Wallet and chain summary
  stats                             Combined dashboard snapshot
  accounts                          Balance per account
  addresses                         Addresses with their account
  txs [account] [count] [from]      Wallet transactions (default: * 10 0)
  balance                           Total balance
  received [minconf] [empty]        Amounts received per address
  newaddress [account]              Create a receiving address
  setaccount <addr> <account>       Move an address to an account
  deleteaccount <account>           Move every address of an account to ""
  send <addr> <amount>              Send coins
  sendfrom <account> <addr> <amt>   Send coins from an account
  move <from> <to> <amount>         Move balance between accounts
  sign <addr> <message>             Sign a message
  verify <addr> <sig> <message>     Verify a signed message

Security Commands:
  encrypt                           Encrypt the wallet
  unlock [seconds]                  Unlock the wallet (default: 300)
  lock                              Lock the wallet
  passphrase                        Change the wallet passphrase
  dumpprivkey <addr>                Print the private key of an address
  importprivkey <wif> [label]       Import a private key
  dumpwallet <path>                 Write all keys to a file
  importwallet <path>               Import keys from a dump file
  backup <dest>                     Copy the wallet file
  keypoolrefill [size]              Refill the key pool

Chain Commands:
  block <hash|height>               Show a block
  tx <hash>                         Show a transaction
  explorer <block|tx|address> <id>  Query the block explorer directly
  explorer <rawblock|rawtx> <hash>  Fetch and decode the serialized form
  start                             Start the daemon
  stop                              Stop the daemon
  resetcache                        Drop the local chain cache
`)
}

func main() {
	cfg, flags, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		usage()
		return
	}
	if err != nil {
		fatal("%v", err)
	}
	if flags.Version {
		fmt.Printf("cointerm %s\n", version)
		return
	}
	if len(flags.Args) == 0 {
		usage()
		os.Exit(1)
	}

	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		fatal("init logging: %v", err)
	}
	if cfg.Metrics.Addr != "" {
		serveMetrics(cfg.Metrics.Addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(cfg, node.Options{})
	if err != nil {
		fatal("%v", err)
	}
	if m := n.Mnemonic(); m != "" {
		fmt.Fprintln(os.Stderr, "New wallet created. Recovery phrase (write this down!):")
		fmt.Fprintf(os.Stderr, "  %s\n\n", m)
	}
	if err := n.Start(ctx); err != nil {
		n.Close()
		fatal("%v", err)
	}

	err = run(ctx, n, flags.Args[0], flags.Args[1:])
	if cerr := n.Close(); cerr != nil {
		klog.Logger.Warn().Err(cerr).Msg("Close failed")
	}
	if backend.IsUnsupported(err) {
		fatal("%v (backend: %s)", err, cfg.Backend)
	}
	if err != nil {
		fatal("%v", err)
	}
}

// run dispatches one command against the node.
func run(ctx context.Context, n *node.Node, cmd string, args []string) error {
	b := n.Backend()

	switch cmd {
	// ── Wallet ──────────────────────────────────────────────────────────
	case "info":
		return printResult(b.GetInfo(ctx))
	case "stats":
		return printResult(b.GetStats(ctx))
	case "accounts":
		return printResult(b.GetAccounts(ctx))
	case "addresses":
		return printResult(b.GetAddresses(ctx))
	case "txs":
		account := argOr(args, 0, "*")
		count, err := intArg(args, 1, 10)
		if err != nil {
			return err
		}
		from, err := intArg(args, 2, 0)
		if err != nil {
			return err
		}
		return printResult(b.GetTransactions(ctx, account, count, from))
	case "balance":
		return printResult(b.GetTotalBalance(ctx))
	case "received":
		minConf, err := intArg(args, 0, 1)
		if err != nil {
			return err
		}
		includeEmpty, _ := strconv.ParseBool(argOr(args, 1, "false"))
		return printResult(b.ListReceivedByAddress(ctx, minConf, includeEmpty))
	case "newaddress":
		return printResult(b.CreateAddress(ctx, argOr(args, 0, "")))
	case "setaccount":
		if err := need(args, 2, "setaccount <addr> <account>"); err != nil {
			return err
		}
		return b.SetAccount(ctx, args[0], args[1])
	case "deleteaccount":
		if err := need(args, 1, "deleteaccount <account>"); err != nil {
			return err
		}
		return b.DeleteAccount(ctx, args[0])
	case "send":
		if err := need(args, 2, "send <addr> <amount>"); err != nil {
			return err
		}
		amount, err := types.ParseAmount(args[1])
		if err != nil {
			return err
		}
		return printResult(b.Send(ctx, args[0], amount))
	case "sendfrom":
		if err := need(args, 3, "sendfrom <account> <addr> <amount>"); err != nil {
			return err
		}
		amount, err := types.ParseAmount(args[2])
		if err != nil {
			return err
		}
		return printResult(b.SendFrom(ctx, args[0], args[1], amount))
	case "move":
		if err := need(args, 3, "move <from> <to> <amount>"); err != nil {
			return err
		}
		amount, err := types.ParseAmount(args[2])
		if err != nil {
			return err
		}
		return printResult(b.Move(ctx, args[0], args[1], amount))
	case "sign":
		if err := need(args, 2, "sign <addr> <message>"); err != nil {
			return err
		}
		return printResult(b.SignMessage(ctx, args[0], args[1]))
	case "verify":
		if err := need(args, 3, "verify <addr> <sig> <message>"); err != nil {
			return err
		}
		return printResult(b.VerifyMessage(ctx, args[0], args[1], args[2]))

	// ── Security ────────────────────────────────────────────────────────
	case "encrypt":
		pass, err := readNewPassword()
		if err != nil {
			return err
		}
		return b.Encrypt(ctx, pass)
	case "unlock":
		secs, err := intArg(args, 0, defaultUnlockSeconds)
		if err != nil {
			return err
		}
		pass, err := readPassword("Enter passphrase: ")
		if err != nil {
			return err
		}
		return b.Decrypt(ctx, string(pass), time.Duration(secs)*time.Second)
	case "lock":
		return b.ForgetKey(ctx)
	case "passphrase":
		old, err := readPassword("Current passphrase: ")
		if err != nil {
			return err
		}
		pass, err := readNewPassword()
		if err != nil {
			return err
		}
		return b.ChangePassphrase(ctx, string(old), pass)
	case "dumpprivkey":
		if err := need(args, 1, "dumpprivkey <addr>"); err != nil {
			return err
		}
		return printResult(b.DumpPrivKey(ctx, args[0]))
	case "importprivkey":
		if err := need(args, 1, "importprivkey <wif> [label]"); err != nil {
			return err
		}
		return b.ImportPrivKey(ctx, args[0], argOr(args, 1, ""), true)
	case "dumpwallet":
		if err := need(args, 1, "dumpwallet <path>"); err != nil {
			return err
		}
		return b.DumpWallet(ctx, args[0])
	case "importwallet":
		if err := need(args, 1, "importwallet <path>"); err != nil {
			return err
		}
		return b.ImportWallet(ctx, args[0])
	case "backup":
		if err := need(args, 1, "backup <dest>"); err != nil {
			return err
		}
		return b.BackupWallet(ctx, args[0])
	case "keypoolrefill":
		size, err := intArg(args, 0, 0)
		if err != nil {
			return err
		}
		return b.KeyPoolRefill(ctx, size)

	// ── Chain ───────────────────────────────────────────────────────────
	case "block":
		if err := need(args, 1, "block <hash|height>"); err != nil {
			return err
		}
		if height, ok := parseHeight(args[0]); ok {
			return printResult(b.GetBlockByHeight(ctx, height))
		}
		return printResult(b.GetBlock(ctx, args[0]))
	case "tx":
		if err := need(args, 1, "tx <hash>"); err != nil {
			return err
		}
		return printResult(b.GetTransaction(ctx, args[0]))
	case "explorer":
		return runExplorer(ctx, n, args)
	case "start":
		started, err := b.StartServer(ctx)
		if err != nil {
			return err
		}
		if !started {
			fmt.Println("Daemon already running")
		}
		return nil
	case "stop":
		return b.StopServer(ctx)
	case "resetcache":
		return n.ResetChainCache()
	default:
		return fmt.Errorf("unknown command %q (see --help)", cmd)
	}
}

// runExplorer queries the explorer directly, bypassing the backend.
func runExplorer(ctx context.Context, n *node.Node, args []string) error {
	if err := need(args, 2, "explorer <block|tx|rawblock|rawtx|address> <id>"); err != nil {
		return err
	}
	ex := n.Explorer()
	if ex == nil {
		return errors.New("no explorer configured (set --explorer-url)")
	}
	switch args[0] {
	case "block":
		if height, ok := parseHeight(args[1]); ok {
			return printResult(ex.BlockByHeight(ctx, height))
		}
		return printResult(ex.Block(ctx, args[1]))
	case "tx":
		return printResult(ex.Transaction(ctx, args[1]))
	case "rawblock":
		return printResult(ex.RawBlock(ctx, args[1]))
	case "rawtx":
		return printResult(ex.RawTransaction(ctx, args[1]))
	case "address":
		return printResult(ex.AddressHistory(ctx, args[1]))
	default:
		return fmt.Errorf("unknown explorer query %q", args[0])
	}
}

// ── Output helpers ──────────────────────────────────────────────────────

// printResult prints v as indented JSON unless err is set.
func printResult[T any](v T, err error) error {
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func need(args []string, n int, form string) error {
	if len(args) < n {
		return fmt.Errorf("usage: cointerm %s", form)
	}
	return nil
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func intArg(args []string, i, def int) (int, error) {
	if i >= len(args) {
		return def, nil
	}
	v, err := strconv.Atoi(args[i])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid number %q", args[i])
	}
	return v, nil
}

// parseHeight treats a pure decimal argument as a block height.
func parseHeight(arg string) (int64, bool) {
	h, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || h < 0 || len(arg) >= 64 {
		return 0, false
	}
	return h, true
}

// ── Metrics ─────────────────────────────────────────────────────────────

func serveMetrics(addr string) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Logger.Error().Err(err).Str("addr", addr).Msg("Metrics listener failed")
		}
	}()
	klog.Logger.Info().Str("addr", addr).Msg("Serving metrics")
}

// ── Password helpers ────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func readNewPassword() (string, error) {
	password, err := readPassword("New passphrase: ")
	if err != nil {
		return "", err
	}
	confirm, err := readPassword("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if string(password) != string(confirm) {
		return "", errors.New("passphrases do not match")
	}
	if len(password) == 0 {
		return "", errors.New("empty passphrase")
	}
	return string(password), nil
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
