package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tcp-clicker/src/harness"
)

type harnessOptions struct {
	addr  string
	reply string
}

func main() {
	if err := runWithArgs(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWithArgs(args []string) error {
	if len(args) == 0 {
		args = []string{"clicker-harness"}
	}
	opts := &harnessOptions{}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args[1:])
	return cmd.Execute()
}

func newRootCmd(opts *harnessOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clicker-harness",
		Short: "Control server for exercising tcp-clicker",
		Long: "Acknowledges every chunk a client sends. Each line typed on stdin is pushed " +
			"to every connected client; type FAIL (or any line containing it) to end their runs, " +
			"\"kick\" to drop all clients, \"quit\" to exit.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, *opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", harness.DefaultAddr, "Listen address")
	cmd.Flags().StringVar(&opts.reply, "reply", harness.DefaultReply, "Acknowledgement sent for every inbound chunk (empty disables)")
	return cmd
}

// serve runs the harness until ctx is done, in reaches EOF, or "quit" is read.
func serve(ctx context.Context, opts harnessOptions, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := harness.NewServer(opts.addr)
	srv.SetReply(opts.reply)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Close()
	fmt.Fprintf(out, "listening on %s\n", srv.Addr())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-srv.Received():
				log.Printf("harness: received %q", msg)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch cmd := strings.TrimSpace(line); cmd {
			case "":
			case "quit":
				return nil
			case "kick":
				srv.DisconnectAll()
				fmt.Fprintln(out, "disconnected all clients")
			default:
				n := srv.Broadcast(cmd)
				fmt.Fprintf(out, "sent %q to %d client(s)\n", cmd, n)
			}
		}
	}
}
