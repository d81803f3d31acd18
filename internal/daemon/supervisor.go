// Package daemon starts and stops a local bitcoind-family daemon.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Klingon-tech/cointerm/config"
	"github.com/Klingon-tech/cointerm/internal/errs"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/rpcclient"
)

const defaultPollInterval = 100 * time.Millisecond

// Caller is the RPC surface the supervisor needs. *rpcclient.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params []any, result any) error
}

// Supervisor ensures a daemon is running. It never restarts a daemon that
// exits on its own.
type Supervisor struct {
	cfg     *config.Config
	conf    *config.DaemonConf
	rpc     Caller
	gate    *rpcclient.Gate
	spawner Spawner
	settle  time.Duration
	poll    time.Duration

	mu          sync.Mutex
	spawned     bool
	pidSeen     bool
	lastStarted bool
	lastErr     error
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the exec-based spawner.
func WithSpawner(sp Spawner) Option {
	return func(s *Supervisor) { s.spawner = sp }
}

// WithPollInterval sets how often Stop checks for pidfile removal.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.poll = d }
}

// New creates a supervisor. conf holds the daemon's own conf file values and
// may be nil when there is none. gate is suspended while the daemon is being
// stopped.
func New(cfg *config.Config, conf *config.DaemonConf, rpc Caller, gate *rpcclient.Gate, opts ...Option) *Supervisor {
	if conf == nil {
		conf = &config.DaemonConf{Values: map[string]string{}}
	}
	s := &Supervisor{
		cfg:     cfg,
		conf:    conf,
		rpc:     rpc,
		gate:    gate,
		spawner: ExecSpawner{},
		settle:  cfg.Daemon.SettleDelay,
		poll:    defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether the daemon pidfile exists.
func (s *Supervisor) Running() bool {
	_, err := os.Stat(s.cfg.PidFile())
	return err == nil
}

// Args returns the daemon argv (without the binary).
// Credentials and port are passed only when they differ from what the daemon
// reads from its own conf file; datadir and conf only for a non-default
// daemon data directory.
func (s *Supervisor) Args() []string {
	args := []string{"-server", "-daemon", "-rpcallowip=127.0.0.1"}

	if s.cfg.RPC.User != s.conf.RPCUser {
		args = append(args, "-rpcuser="+s.cfg.RPC.User)
	}
	if s.cfg.RPC.Password != s.conf.RPCPassword {
		args = append(args, "-rpcpassword="+s.cfg.RPC.Password)
	}
	confPort := s.conf.RPCPort
	if confPort == 0 {
		confPort = config.Default(s.cfg.Network).RPC.Port
	}
	if s.cfg.RPC.Port != confPort {
		args = append(args, fmt.Sprintf("-rpcport=%d", s.cfg.RPC.Port))
	}
	if s.cfg.Network == config.Testnet && !s.conf.Testnet {
		args = append(args, "-testnet")
	}
	if s.cfg.CustomDaemonDataDir() {
		args = append(args, "-datadir="+s.cfg.Daemon.DataDir, "-conf="+s.cfg.DaemonConfFile())
	}
	return args
}

// Start spawns the daemon unless it is already running.
//
// It returns (false, nil) when the pidfile exists. Otherwise it spawns the
// daemon detached, waits the settle delay and probes it with getinfo through
// the transport, returning (true, nil) on success.
//
// A Start while an earlier spawn has not yet produced its pidfile returns the
// earlier outcome without spawning again. Once the pidfile has been observed,
// a new spawn happens only after it disappears.
func (s *Supervisor) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Running() {
		if s.spawned {
			s.pidSeen = true
		}
		return false, nil
	}
	if s.spawned && !s.pidSeen {
		return s.lastStarted, s.lastErr
	}

	args := s.Args()
	klog.Daemon.Info().Str("binary", s.cfg.Daemon.Binary).Strs("args", redact(args)).Msg("Starting daemon")

	s.spawned = true
	s.pidSeen = false
	if err := s.spawner.Spawn(s.cfg.Daemon.Binary, args); err != nil {
		// Nothing was started; the next Start may try again.
		s.spawned = false
		return false, &errs.DaemonStartError{Stage: errs.StageSpawn, Err: err}
	}

	if err := sleepCtx(ctx, s.settle); err != nil {
		s.lastStarted, s.lastErr = false, &errs.DaemonStartError{Stage: errs.StageProbe, Err: err}
		return s.lastStarted, s.lastErr
	}

	if err := s.rpc.Call(ctx, "getinfo", nil, nil); err != nil {
		klog.Daemon.Warn().Err(err).Msg("Daemon did not answer liveness probe")
		s.lastStarted, s.lastErr = false, &errs.DaemonStartError{Stage: errs.StageProbe, Err: err}
		return s.lastStarted, s.lastErr
	}

	klog.Daemon.Info().Msg("Daemon started")
	s.lastStarted, s.lastErr = true, nil
	return true, nil
}

// Stop asks the daemon to shut down and waits for its pidfile to disappear.
// The transport gate stays suspended while the daemon goes down so calls
// issued in the meantime resolve empty instead of retrying.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Running() {
		return nil
	}
	if err := s.rpc.Call(ctx, "stop", nil, nil); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}

	s.gate.Suspend()
	defer s.gate.Resume()

	timeout := s.cfg.Daemon.StopTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for s.Running() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon still running: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	s.spawned = false
	s.pidSeen = false
	klog.Daemon.Info().Msg("Daemon stopped")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// redact hides the RPC password in logged argv.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if len(a) > len("-rpcpassword=") && a[:len("-rpcpassword=")] == "-rpcpassword=" {
			a = "-rpcpassword=***"
		}
		out[i] = a
	}
	return out
}
