// bnetd runs the networking engine as a standalone daemon: it seeds the
// address pool, maintains outbound connections and serves inbound peers
// until interrupted.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	btclog "github.com/btcsuite/btclog/v2"
	flags "github.com/jessevdk/go-flags"
	"github.com/jrick/logrotate/rotator"

	"github.com/hashforge/bnet"
	"github.com/hashforge/bnet/neterror"
)

func main() {
	if err := run(); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) &&
			flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	settings, err := cfg.settings()
	if err != nil {
		return err
	}

	logCloser, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logCloser()

	node := bnet.New(settings)

	// Lifecycle outcomes arrive on the network strand; funnel them to the
	// main goroutine, which owns Close.
	errChan := make(chan error, 2)

	node.SubscribeClose(func(err error) {
		if !errors.Is(err, neterror.ErrServiceStopped) {
			errChan <- err
		}
	})

	node.Start(func(err error) {
		if err != nil {
			errChan <- fmt.Errorf("start: %w", err)
			return
		}

		node.Run(func(err error) {
			if err != nil {
				errChan <- fmt.Errorf("run: %w", err)
			}
		})
	})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-interrupt:
		fmt.Fprintf(os.Stderr, "received %v, shutting down\n", sig)
		return node.Close()

	case err := <-errChan:
		_ = node.Close()
		return err
	}
}

// setupLogging builds the rotated, leveled logging backend and hands each
// subsystem its logger. The returned closer flushes the rotator.
func setupLogging(cfg *config) (func(), error) {
	logDir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, err
	}

	logFile := filepath.Join(logDir, defaultLogFilename)
	logRotator, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return nil, err
	}

	handler := btclog.NewDefaultHandler(
		io.MultiWriter(os.Stdout, logRotator))

	level, ok := btclog.LevelFromString(cfg.LogLevel)
	if !ok {
		logRotator.Close()
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	handler.SetLevel(level)

	bnet.UseLoggers(btclog.NewSLogger(handler))

	return func() {
		logRotator.Close()
	}, nil
}
