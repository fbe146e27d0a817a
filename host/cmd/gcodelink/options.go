package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"gcodelink/host/communicator"
	"gcodelink/host/config"

	"pkt.systems/pslog"
)

var errPaused = errors.New("streaming paused on error")

// rootOptions holds the persistent flags that override the config file
type rootOptions struct {
	configPath string
	driver     string
	port       string
	baud       int
	dialect    string
	bufferSize int
	singleStep bool
	logLevel   string
}

func (o *rootOptions) bind(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", "", "config file (default ~/.gcodelink/config.yaml)")
	flags.StringVar(&o.driver, "driver", "", "connection driver: serial, tcp or sim")
	flags.StringVarP(&o.port, "port", "p", "", "serial device or host:port")
	flags.IntVarP(&o.baud, "baud", "b", 0, "baud rate")
	flags.StringVar(&o.dialect, "dialect", "", "controller dialect: grbl, smoothie or generic")
	flags.IntVar(&o.bufferSize, "buffer-size", 0, "controller receive buffer in bytes (0 uses the dialect's)")
	flags.BoolVar(&o.singleStep, "single-step", false, "send one command at a time")
	flags.StringVar(&o.logLevel, "log-level", "", "log level: trace, debug, info, warn or error")
}

// load reads the config file and applies flags the user set
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Connection.Driver = o.driver
	}
	if flags.Changed("port") {
		cfg.Connection.Address = o.port
	}
	if flags.Changed("baud") {
		cfg.Connection.Baud = o.baud
	}
	if flags.Changed("dialect") {
		cfg.Firmware.Dialect = o.dialect
	}
	if flags.Changed("buffer-size") {
		cfg.Firmware.BufferSize = o.bufferSize
	}
	if flags.Changed("single-step") {
		cfg.Streaming.SingleStep = o.singleStep
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// logger builds the command logger at the configured level
func (o *rootOptions) logger(cmd *cobra.Command, cfg config.Config) (pslog.Logger, error) {
	opts := pslog.Options{Mode: pslog.ModeConsole}
	if err := config.ApplyLevel(&opts, cfg.Log.Level); err != nil {
		return nil, err
	}
	return pslog.NewWithOptions(cmd.ErrOrStderr(), opts), nil
}

// connect loads the configuration and opens a connected Communicator
func (o *rootOptions) connect(cmd *cobra.Command) (*communicator.Communicator, config.Config, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, config.Config{}, err
	}
	logger, err := o.logger(cmd, cfg)
	if err != nil {
		return nil, config.Config{}, err
	}
	opts, err := cfg.CommunicatorOptions(logger)
	if err != nil {
		return nil, config.Config{}, err
	}
	comm, err := communicator.New(opts)
	if err != nil {
		return nil, config.Config{}, err
	}
	if err := comm.Connect(cfg.SerialConfig()); err != nil {
		comm.Close()
		return nil, config.Config{}, err
	}
	return comm, cfg, nil
}

// printer serialises output from the event goroutine and the command
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// idleWaiter is the part of the communicator waitIdle polls
type idleWaiter interface {
	Err() error
	IsPaused() bool
	ResumeSend() error
	AreActiveCommands() bool
	CancelSend()
	SyncEvents(ctx context.Context) error
}

// waitIdle blocks until every queued command completed. A pause on error
// is resumed when resume is set and returned as errPaused otherwise.
// A latched write failure ends the wait.
func waitIdle(ctx context.Context, comm idleWaiter, resume bool) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := comm.Err(); err != nil {
			comm.CancelSend()
			return err
		}
		if comm.IsPaused() {
			if !resume {
				return errPaused
			}
			if err := comm.ResumeSend(); err != nil {
				return err
			}
		}
		if !comm.AreActiveCommands() {
			return comm.SyncEvents(ctx)
		}

		select {
		case <-ctx.Done():
			comm.CancelSend()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
