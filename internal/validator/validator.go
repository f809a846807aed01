// Package validator runs a local test validator from a bootstrap script.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults.
const (
	DefaultLogFile      = "node.txt"
	DefaultStartTimeout = 60 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// ErrExited is returned when the script exits before the RPC answers.
var ErrExited = errors.New("validator exited")

// SlotReader is the RPC call used as the readiness probe.
type SlotReader interface {
	Slot(ctx context.Context) (uint64, error)
}

// Config configures a Validator.
type Config struct {
	// Script is run with bash.
	Script string
	// LogFile receives the script's stdout and stderr.
	LogFile      string
	RPC          SlotReader
	StartTimeout time.Duration
	StopTimeout  time.Duration
	Logger       *slog.Logger
}

// Validator is a running bootstrap script and its process group.
type Validator struct {
	cfg    Config
	logger *slog.Logger

	cmd     *exec.Cmd
	logFile *os.File
	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// New creates a Validator. Call Start to launch it.
func New(cfg Config) *Validator {
	if cfg.LogFile == "" {
		cfg.LogFile = DefaultLogFile
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cfg: cfg, logger: logger}
}

// Start launches the script in its own process group and waits until the
// RPC answers getSlot. On failure the group is stopped.
func (v *Validator) Start(ctx context.Context) error {
	if v.cmd != nil {
		return errors.New("validator already started")
	}
	logFile, err := os.Create(v.cfg.LogFile)
	if err != nil {
		return fmt.Errorf("create validator log: %w", err)
	}

	cmd := exec.Command("bash", v.cfg.Script)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start %s: %w", v.cfg.Script, err)
	}
	v.cmd = cmd
	v.logFile = logFile
	v.exited = make(chan struct{})
	go func() {
		v.waitErr = cmd.Wait()
		close(v.exited)
	}()

	v.logger.Info("started validator",
		slog.String("script", v.cfg.Script),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("log_file", v.cfg.LogFile))

	if err := v.waitReady(ctx); err != nil {
		if stopErr := v.Stop(); stopErr != nil {
			v.logger.Warn("failed to stop validator", slog.String("error", stopErr.Error()))
		}
		return err
	}
	return nil
}

func (v *Validator) waitReady(ctx context.Context) error {
	if v.cfg.RPC == nil {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = v.cfg.StartTimeout

	slot, err := backoff.RetryWithData(func() (uint64, error) {
		select {
		case <-v.exited:
			return 0, backoff.Permanent(fmt.Errorf("%w: %v (see %s)", ErrExited, v.waitErr, v.cfg.LogFile))
		default:
		}
		return v.cfg.RPC.Slot(ctx)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("validator not ready: %w", err)
	}
	v.logger.Info("validator ready", slog.Uint64("slot", slot))
	return nil
}

// Done is closed when the script exits.
func (v *Validator) Done() <-chan struct{} {
	return v.exited
}

// Stop sends SIGTERM to the process group, then SIGKILL after StopTimeout.
func (v *Validator) Stop() error {
	if v.cmd == nil {
		return nil
	}
	v.stopOnce.Do(func() {
		defer v.logFile.Close()
		select {
		case <-v.exited:
			return
		default:
		}
		if err := terminateGroup(v.cmd); err != nil {
			v.stopErr = fmt.Errorf("signal validator: %w", err)
			return
		}
		select {
		case <-v.exited:
		case <-time.After(v.cfg.StopTimeout):
			v.logger.Warn("validator did not stop, killing")
			if err := killGroup(v.cmd); err != nil {
				v.stopErr = fmt.Errorf("kill validator: %w", err)
				return
			}
			<-v.exited
		}
		v.logger.Info("stopped validator")
	})
	return v.stopErr
}
