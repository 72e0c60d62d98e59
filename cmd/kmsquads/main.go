// kmsquads animates four colored quadrants on every connected display
// using atomic mode setting.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deedles.dev/kms/internal/debug"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitNoDevice = 1 + iota
	exitRenderer
	exitBuffers
	exitClock
	exitLoop
)

// exitError carries the process exit status for an error.
type exitError struct {
	code int
	err  error
}

func (err exitError) Error() string {
	return err.err.Error()
}

func (err exitError) Unwrap() error {
	return err.err
}

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func newLogger(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
	if cfg.Debug {
		debug.Enable(log)
	}
	return log
}

func newRootCmd(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "kmsquads",
		Short:         "Animate colored quadrants on every display.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(
		&cfg.Device, "device", cfg.Device,
		`The card to use, as a path or a number. Every card is tried if empty.`,
	)
	root.PersistentFlags().BoolVar(
		&cfg.Debug, "debug", cfg.Debug,
		`Enable debug logging.`,
	)

	run := newRunCmd(cfg)
	root.AddCommand(run, newOutputsCmd(cfg))
	root.RunE = run.RunE
	root.Flags().AddFlagSet(run.Flags())

	return root
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(exitNoDevice)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = newRootCmd(&cfg).ExecuteContext(ctx)
	if err != nil {
		log := newLogger(cfg)
		log.Error().Err(err).Msg("exiting")

		code := exitLoop
		var eerr exitError
		if errors.As(err, &eerr) {
			code = eerr.code
		}
		stop()
		os.Exit(code)
	}
}
