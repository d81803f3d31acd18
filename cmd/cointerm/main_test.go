package main

import (
	"context"
	"strings"
	"testing"

	"github.com/Klingon-tech/cointerm/config"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/node"
)

func TestParseHeight(t *testing.T) {
	tests := []struct {
		input  string
		want   int64
		wantOK bool
	}{
		{"0", 0, true},
		{"170", 170, true},
		{"-1", 0, false},
		{"abc", 0, false},
		{"000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseHeight(tt.input)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseHeight(%q) = %d, %v; want %d, %v", tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestIntArg(t *testing.T) {
	args := []string{"5", "x", "-2"}
	if v, err := intArg(args, 0, 9); err != nil || v != 5 {
		t.Errorf("intArg(0) = %d, %v", v, err)
	}
	if v, err := intArg(args, 3, 9); err != nil || v != 9 {
		t.Errorf("missing arg should use default, got %d, %v", v, err)
	}
	if _, err := intArg(args, 1, 9); err == nil {
		t.Error("expected error for non-number")
	}
	if _, err := intArg(args, 2, 9); err == nil {
		t.Error("expected error for negative number")
	}
}

func TestArgOr(t *testing.T) {
	if got := argOr([]string{"savings"}, 0, "*"); got != "savings" {
		t.Errorf("argOr = %q", got)
	}
	if got := argOr(nil, 0, "*"); got != "*" {
		t.Errorf("argOr default = %q", got)
	}
}

func stubNode(t *testing.T) *node.Node {
	t.Helper()
	klog.Disable()
	cfg := config.Default(config.Mainnet)
	cfg.Backend = config.BackendStub
	cfg.DataDir = t.TempDir()
	n, err := node.New(cfg, node.Options{})
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestRun_Stub(t *testing.T) {
	n := stubNode(t)
	ctx := context.Background()

	cmds := [][]string{
		{"info"},
		{"stats"},
		{"accounts"},
		{"addresses"},
		{"txs", "*", "5", "0"},
		{"balance"},
		{"received", "0", "true"},
		{"newaddress", "savings"},
		{"send", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "0.5"},
		{"block", "170"},
		{"block", "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"},
		{"tx", "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"},
		{"lock"},
		{"resetcache"},
	}
	for _, c := range cmds {
		if err := run(ctx, n, c[0], c[1:]); err != nil {
			t.Errorf("run %v: %v", c, err)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	n := stubNode(t)
	ctx := context.Background()

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bogus"}, "unknown command"},
		{[]string{"send", "addr"}, "usage: cointerm send"},
		{[]string{"send", "addr", "lots"}, ""},
		{[]string{"txs", "*", "ten"}, "invalid number"},
		{[]string{"explorer", "tx", "abc"}, "no explorer configured"},
		{[]string{"explorer", "rawblock", "abc"}, "no explorer configured"},
		{[]string{"explorer", "rawtx"}, "usage: cointerm explorer"},
	}
	for _, tt := range tests {
		err := run(ctx, n, tt.args[0], tt.args[1:])
		if err == nil {
			t.Errorf("run %v: expected error", tt.args)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run %v: error %q does not mention %q", tt.args, err, tt.want)
		}
	}
}
