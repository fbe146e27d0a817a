package main

import (
	"bufio"
	"bytes"
	"os"
	"time"

	"github.com/spf13/cobra"

	"gcodelink/host/communicator"
	"gcodelink/protocol"
)

func newXModemCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xmodem",
		Short: "Transfer files with XModem",
	}
	cmd.AddCommand(newXModemSendCmd(opts))
	cmd.AddCommand(newXModemReceiveCmd(opts))
	return cmd
}

// progressListener prints transfer progress
func progressListener(out *printer) communicator.Listener {
	return communicator.ListenerFunc(func(ev communicator.Event) {
		if ev.Type == communicator.EventTransferProgress {
			out.Printf("\rblock %d, %d bytes", ev.Block, ev.Bytes)
		}
	})
}

func newXModemSendCmd(opts *rootOptions) *cobra.Command {
	var long, short bool
	var command string
	cmd := &cobra.Command{
		Use:   "send FILE",
		Short: "Upload a file to the controller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			comm, cfg, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer comm.Close()

			useLong := cfg.XModem.LongBlocks
			if cmd.Flags().Changed("long") {
				useLong = long
			}
			if short {
				useLong = false
			}

			out := &printer{w: cmd.OutOrStdout()}
			comm.AddListener(progressListener(out))

			start := time.Now()
			err = comm.XModemSend(cmd.Context(), bufio.NewReader(file), communicator.TransferOptions{
				LongBlocks: useLong,
				Command:    command,
			})
			if syncErr := comm.SyncEvents(cmd.Context()); syncErr != nil && err == nil {
				err = syncErr
			}
			out.Printf("\n")
			if err != nil {
				return err
			}
			out.Printf("sent %s in %s\n", args[0], time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "use 1024 byte blocks")
	cmd.Flags().BoolVar(&short, "short", false, "force 128 byte blocks")
	cmd.Flags().StringVar(&command, "command", "", "line sent to the controller to start the transfer")
	return cmd
}

func newXModemReceiveCmd(opts *rootOptions) *cobra.Command {
	var plain, keepPadding bool
	var command string
	cmd := &cobra.Command{
		Use:   "receive FILE",
		Short: "Download a file from the controller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comm, cfg, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer comm.Close()

			out := &printer{w: cmd.OutOrStdout()}
			comm.AddListener(progressListener(out))

			var buf bytes.Buffer
			n, err := comm.XModemReceive(cmd.Context(), &buf, communicator.TransferOptions{
				CRC:     cfg.XModem.CRC && !plain,
				Command: command,
			})
			out.Printf("\n")
			if err != nil {
				return err
			}

			data := buf.Bytes()
			if !keepPadding {
				data = protocol.TrimPadding(data)
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return err
			}
			out.Printf("received %d bytes (%d transferred) into %s\n", len(data), n, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "use 8-bit checksums instead of CRC-16")
	cmd.Flags().BoolVar(&keepPadding, "keep-padding", false, "keep the trailing pad bytes of the last block")
	cmd.Flags().StringVar(&command, "command", "", "line sent to the controller to start the transfer")
	return cmd
}
