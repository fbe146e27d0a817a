package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"gcodelink/host/communicator"
	"gcodelink/host/firmware"
	"gcodelink/host/gcode"
)

var errQuit = errors.New("quit")

func newConsoleCmd(opts *rootOptions) *cobra.Command {
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive controller console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comm, _, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer comm.Close()

			c := newConsole(comm, cmd.InOrStdin(), cmd.OutOrStdout())
			if f, ok := cmd.InOrStdin().(*os.File); ok {
				c.prompt = term.IsTerminal(int(f.Fd()))
			}
			c.poll = poll
			return c.run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 0, "request a status report at this interval (0 disables)")
	return cmd
}

// console reads commands line by line. Lines starting with '/' control the
// session; single realtime characters are sent immediately; anything else
// is queued as G-code.
type console struct {
	comm   *communicator.Communicator
	in     io.Reader
	out    *printer
	prompt bool
	poll   time.Duration
	seq    int
}

func newConsole(comm *communicator.Communicator, in io.Reader, out io.Writer) *console {
	c := &console{comm: comm, in: in, out: &printer{w: out}}
	comm.AddListener(communicator.ListenerFunc(c.handleEvent))
	return c
}

func (c *console) handleEvent(ev communicator.Event) {
	switch ev.Type {
	case communicator.EventRawResponse:
		c.out.Printf("< %s\n", ev.Line)
	case communicator.EventPausedOnError:
		c.out.Printf("paused: %s failed, /resume to continue\n", ev.Command.Text())
	case communicator.EventError:
		c.out.Printf("error: %v\n", ev.Err)
	case communicator.EventTransferProgress:
		c.out.Printf("block %d, %d bytes\n", ev.Block, ev.Bytes)
	}
}

func (c *console) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		for {
			if c.prompt {
				c.out.Printf("> ")
			}
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return c.drain(gctx)
				}
				if err := c.handleLine(gctx, line); err != nil {
					if errors.Is(err, errQuit) {
						return nil
					}
					c.out.Printf("error: %v\n", err)
				}
			}
		}
	})
	if c.poll > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(c.poll)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := c.comm.SendByteImmediately(firmware.StatusPoll); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

// drain waits for queued commands once input ends
func (c *console) drain(ctx context.Context) error {
	err := waitIdle(ctx, c.comm, false)
	if errors.Is(err, errPaused) {
		c.out.Printf("input ended while paused: %s\n", c.comm.ActiveCommandSummary())
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *console) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if strings.HasPrefix(line, "/") {
		args, err := shlex.Split(line[1:])
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return nil
		}
		return c.slashCommand(ctx, args[0], args[1:])
	}

	if len(line) == 1 {
		switch line[0] {
		case firmware.StatusPoll, firmware.FeedHold, firmware.CycleStart:
			return c.comm.SendByteImmediately(line[0])
		}
	}

	c.seq++
	c.comm.QueueCommand(gcode.NewCommandWithID(c.seq, line))
	return c.comm.StreamCommands()
}

func (c *console) slashCommand(ctx context.Context, name string, args []string) error {
	switch name {
	case "quit", "exit", "q":
		return errQuit

	case "help", "?":
		c.printHelp()

	case "pause":
		c.comm.PauseSend()

	case "resume":
		return c.comm.ResumeSend()

	case "cancel":
		c.comm.CancelSend()

	case "reset":
		return c.comm.SoftReset()

	case "status":
		return c.comm.SendByteImmediately(firmware.StatusPoll)

	case "hold":
		return c.comm.SendByteImmediately(firmware.FeedHold)

	case "start":
		return c.comm.SendByteImmediately(firmware.CycleStart)

	case "summary":
		summary := c.comm.ActiveCommandSummary()
		if summary == "" {
			summary = "idle"
		}
		c.out.Printf("%d active: %s\n", c.comm.NumActiveCommands(), summary)

	case "single":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return fmt.Errorf("usage: /single on|off")
		}
		c.comm.SetSingleStepMode(args[0] == "on")

	case "stream":
		if len(args) != 1 {
			return fmt.Errorf("usage: /stream FILE")
		}
		stream, err := gcode.OpenFileStream(args[0])
		if err != nil {
			return err
		}
		c.out.Printf("streaming %s (%d commands)\n", stream.Path(), stream.RowsRemaining())
		c.comm.QueueStream(stream)
		return c.comm.StreamCommands()

	case "wait":
		return waitIdle(ctx, c.comm, false)

	default:
		return fmt.Errorf("unknown command /%s (type /help for available commands)", name)
	}
	return nil
}

func (c *console) printHelp() {
	c.out.Printf("\nAvailable commands:\n")
	c.out.Printf("  /help           - Show this help message\n")
	c.out.Printf("  /stream FILE    - Stream a G-code file\n")
	c.out.Printf("  /pause          - Stop sending new commands\n")
	c.out.Printf("  /resume         - Continue sending\n")
	c.out.Printf("  /cancel         - Forget queued and active commands\n")
	c.out.Printf("  /wait           - Wait for active commands to complete\n")
	c.out.Printf("  /summary        - Show active commands\n")
	c.out.Printf("  /single on|off  - Toggle single step mode\n")
	c.out.Printf("  /status         - Request a status report (or type ?)\n")
	c.out.Printf("  /hold /start    - Feed hold and cycle start (or type ! and ~)\n")
	c.out.Printf("  /reset          - Soft reset the controller\n")
	c.out.Printf("  /quit           - Exit the console\n")
	c.out.Printf("Any other line is sent as G-code.\n\n")
}
