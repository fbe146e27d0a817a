package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"gcodelink/host/communicator"
	"gcodelink/host/gcode"
)

func newStreamCmd(opts *rootOptions) *cobra.Command {
	var continueOnError bool
	var quiet bool
	cmd := &cobra.Command{
		Use:   "stream FILE",
		Short: "Stream a G-code file to the controller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := gcode.OpenFileStream(args[0])
			if err != nil {
				return err
			}

			comm, _, err := opts.connect(cmd)
			if err != nil {
				stream.Close()
				return err
			}
			defer comm.Close()

			out := &printer{w: cmd.OutOrStdout()}
			total := stream.RowsRemaining()
			var completed, failed atomic.Int64
			comm.AddListener(communicator.ListenerFunc(func(ev communicator.Event) {
				switch ev.Type {
				case communicator.EventCommandComplete:
					n := completed.Add(1)
					if ev.Command.Failed() {
						failed.Add(1)
						out.Printf("row %d: %s: %s\n", ev.Command.ID(), ev.Command.Text(), ev.Command.Response())
					} else if !quiet {
						out.Printf("[%d/%d] %s\n", n, total, ev.Command.Text())
					}
				case communicator.EventPausedOnError:
					if !continueOnError {
						out.Printf("paused after row %d\n", ev.Command.ID())
					}
				case communicator.EventError:
					out.Printf("error: %v\n", ev.Err)
				}
			}))

			start := time.Now()
			comm.QueueStream(stream)
			if err := comm.StreamCommands(); err != nil {
				return err
			}
			if err := waitIdle(cmd.Context(), comm, continueOnError); err != nil {
				return err
			}

			out.Printf("streamed %d commands in %s, %d failed\n",
				completed.Load(), time.Since(start).Round(time.Millisecond), failed.Load())
			if failed.Load() > 0 {
				return fmt.Errorf("%d commands failed", failed.Load())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "resume automatically when the controller reports an error")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print failures and the summary")
	return cmd
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send CMD...",
		Short: "Send commands and print the controller's responses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comm, _, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer comm.Close()

			cmds := make([]*gcode.Command, 0, len(args))
			for i, arg := range args {
				c := gcode.NewCommandWithID(i+1, arg)
				if c.Text() == "" {
					continue
				}
				cmds = append(cmds, c)
				comm.QueueCommand(c)
			}
			if err := comm.StreamCommands(); err != nil {
				return err
			}
			if err := waitIdle(cmd.Context(), comm, true); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, c := range cmds {
				if c.Failed() {
					failed++
				}
				fmt.Fprintf(out, "%s => %s\n", c.Text(), c.Response())
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d commands failed", failed, len(cmds))
			}
			return nil
		},
	}
}
