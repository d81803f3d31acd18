package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/cointerm/config"
	"github.com/Klingon-tech/cointerm/internal/errs"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/rpcclient"
)

type fakeSpawner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeSpawner) Spawn(binary string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{binary}, args...))
	return f.err
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCaller struct {
	mu      sync.Mutex
	methods []string
	err     error
	onCall  func(method string)
}

func (f *fakeCaller) Call(_ context.Context, method string, _ []any, _ any) error {
	f.mu.Lock()
	f.methods = append(f.methods, method)
	hook := f.onCall
	err := f.err
	f.mu.Unlock()
	if hook != nil {
		hook(method)
	}
	return err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	klog.Disable()
	cfg := config.DefaultMainnet()
	cfg.Daemon.DataDir = t.TempDir()
	cfg.Daemon.SettleDelay = 0
	cfg.Daemon.StopTimeout = 2 * time.Second
	cfg.RPC.User = "user"
	cfg.RPC.Password = "pass"
	return cfg
}

func writePid(t *testing.T, cfg *config.Config) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.PidFile()), 0700))
	require.NoError(t, os.WriteFile(cfg.PidFile(), []byte("1234\n"), 0600))
}

func TestStart_PidfilePresent(t *testing.T) {
	cfg := testConfig(t)
	writePid(t, cfg)
	sp := &fakeSpawner{}
	rpc := &fakeCaller{}

	started, err := New(cfg, nil, rpc, rpcclient.NewGate(), WithSpawner(sp)).Start(context.Background())
	require.NoError(t, err)
	require.False(t, started)
	require.Zero(t, sp.count())
	require.Empty(t, rpc.methods)
}

func TestStart_SpawnsAndProbes(t *testing.T) {
	cfg := testConfig(t)
	sp := &fakeSpawner{}
	rpc := &fakeCaller{}

	started, err := New(cfg, nil, rpc, rpcclient.NewGate(), WithSpawner(sp)).Start(context.Background())
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, 1, sp.count())
	require.Equal(t, "bitcoind", sp.calls[0][0])
	require.Equal(t, []string{"getinfo"}, rpc.methods)
}

func TestArgs(t *testing.T) {
	cfg := testConfig(t)
	conf := &config.DaemonConf{RPCUser: "user", RPCPassword: "pass"}

	// Temp dirs are never the daemon's default data directory.
	s := New(cfg, conf, &fakeCaller{}, rpcclient.NewGate())
	require.Equal(t, []string{
		"-server", "-daemon", "-rpcallowip=127.0.0.1",
		"-datadir=" + cfg.Daemon.DataDir,
		"-conf=" + filepath.Join(cfg.Daemon.DataDir, "bitcoin.conf"),
	}, s.Args())

	cfg.Daemon.DataDir = config.DefaultDaemonDataDir()
	cfg.RPC.User = "other"
	cfg.RPC.Port = 9999
	require.Equal(t, []string{
		"-server", "-daemon", "-rpcallowip=127.0.0.1",
		"-rpcuser=other", "-rpcport=9999",
	}, s.Args())

	cfg.RPC.User = "user"
	cfg.RPC.Port = config.MainnetRPCPort
	require.Equal(t, []string{"-server", "-daemon", "-rpcallowip=127.0.0.1"}, s.Args())
}

func TestStart_CachedUntilPidfileSeen(t *testing.T) {
	cfg := testConfig(t)
	sp := &fakeSpawner{}
	s := New(cfg, nil, &fakeCaller{}, rpcclient.NewGate(), WithSpawner(sp))
	ctx := context.Background()

	started, err := s.Start(ctx)
	require.NoError(t, err)
	require.True(t, started)

	// The daemon has not written its pidfile yet: no second spawn.
	started, err = s.Start(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, 1, sp.count())

	writePid(t, cfg)
	started, err = s.Start(ctx)
	require.NoError(t, err)
	require.False(t, started)

	// Daemon exited: the next Start spawns again.
	require.NoError(t, os.Remove(cfg.PidFile()))
	started, err = s.Start(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, 2, sp.count())
}

func TestStart_SpawnFailure(t *testing.T) {
	cfg := testConfig(t)
	sp := &fakeSpawner{err: errors.New("exec: \"bitcoind\": executable file not found")}
	rpc := &fakeCaller{}
	s := New(cfg, nil, rpc, rpcclient.NewGate(), WithSpawner(sp))

	started, err := s.Start(context.Background())
	require.False(t, started)
	var dse *errs.DaemonStartError
	require.ErrorAs(t, err, &dse)
	require.Equal(t, errs.StageSpawn, dse.Stage)
	require.Empty(t, rpc.methods)

	_, err = s.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, sp.count())
}

func TestStart_ProbeFailure(t *testing.T) {
	cfg := testConfig(t)
	sp := &fakeSpawner{}
	rpc := &fakeCaller{err: &errs.TransportError{Method: "getinfo", Attempts: 30}}
	s := New(cfg, nil, rpc, rpcclient.NewGate(), WithSpawner(sp))

	started, err := s.Start(context.Background())
	require.False(t, started)
	var dse *errs.DaemonStartError
	require.ErrorAs(t, err, &dse)
	require.Equal(t, errs.StageProbe, dse.Stage)

	var te *errs.TransportError
	require.ErrorAs(t, err, &te)

	// Cached while the pidfile has not been observed.
	_, err2 := s.Start(context.Background())
	require.Equal(t, err, err2)
	require.Equal(t, 1, sp.count())
}

func TestStop(t *testing.T) {
	cfg := testConfig(t)
	writePid(t, cfg)
	gate := rpcclient.NewGate()

	suspendedDuringWait := make(chan bool, 1)
	rpc := &fakeCaller{}
	rpc.onCall = func(method string) {
		if method != "stop" {
			return
		}
		go func() {
			time.Sleep(30 * time.Millisecond)
			suspendedDuringWait <- gate.Suspended()
			os.Remove(cfg.PidFile())
		}()
	}

	s := New(cfg, nil, rpc, gate, WithPollInterval(5*time.Millisecond))
	require.NoError(t, s.Stop(context.Background()))
	require.True(t, <-suspendedDuringWait)
	require.False(t, gate.Suspended())
	require.False(t, s.Running())
	require.Equal(t, []string{"stop"}, rpc.methods)
}

func TestStop_NotRunning(t *testing.T) {
	cfg := testConfig(t)
	rpc := &fakeCaller{}
	require.NoError(t, New(cfg, nil, rpc, rpcclient.NewGate()).Stop(context.Background()))
	require.Empty(t, rpc.methods)
}

func TestStop_Timeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.StopTimeout = 50 * time.Millisecond
	writePid(t, cfg)
	gate := rpcclient.NewGate()

	err := New(cfg, nil, &fakeCaller{}, gate, WithPollInterval(5*time.Millisecond)).Stop(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, gate.Suspended())
}

func TestRedact(t *testing.T) {
	require.Equal(t,
		[]string{"-server", "-rpcpassword=***"},
		redact([]string{"-server", "-rpcpassword=hunter2"}))
}
