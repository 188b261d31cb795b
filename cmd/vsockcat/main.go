// Command vsockcat is a small demo CLI driving pkg/vsock's engine
// through the handshake/send/recv/shutdown sequence over the in-repo
// loopback QP substrate (the real hypervisor transport is out of scope
// per spec.md §1, so only demo pairs a listener and a dialer, within
// one process; listen and dial run standalone with no peer to reach).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ovtsys/vsockproto/pkg/vsock"
	"github.com/ovtsys/vsockproto/pkg/vsock/definition"
	"github.com/ovtsys/vsockproto/pkg/vsock/qp/loopback"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

var (
	flagPort    uint32
	flagTimeout time.Duration
	flagDebug   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vsockcat",
		Short: "Exercise the vsock stream engine over its loopback QP substrate",
	}
	root.PersistentFlags().Uint32Var(&flagPort, "port", types.AutobindStart, "listener port")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "handshake/IO deadline")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(newDemoCmd(), newListenCmd(), newDialCmd())
	return root
}

func newLogger() definition.Logger {
	l := definition.NewDefaultLogger()
	l.ToggleDebug(flagDebug)
	return l
}

// newDemoPair builds a client/server pair of Engines sharing one
// allocator, wired together with vsock.WireLoopback, mirroring the
// *_test.go newTestPair helper for the CLI's demo subcommand.
func newDemoPair(logger definition.Logger) (client, server *vsock.Engine, alloc *loopback.Allocator) {
	alloc = loopback.NewAllocator()
	cfg := types.DefaultConfig()
	cfg.ConnectTimeout = flagTimeout
	client = vsock.NewEngine(types.CIDHost, alloc, &cfg, logger, definition.NewMetrics(prometheus.NewRegistry()))
	server = vsock.NewEngine(3, alloc, &cfg, logger, definition.NewMetrics(prometheus.NewRegistry()))
	vsock.WireLoopback(client, server)
	return client, server, alloc
}

func newDemoCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Pair a listener and a dialer in-process and echo one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			client, server, _ := newDemoPair(logger)
			defer client.Close()
			defer server.Close()

			ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
			defer cancel()

			listener, err := server.Listen(types.Addr{CID: 3, Port: flagPort}, 4, 0, true)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			defer listener.Close()

			accepted := make(chan *vsock.Conn, 1)
			acceptErr := make(chan error, 1)
			go func() {
				conn, err := listener.Accept(ctx)
				if err != nil {
					acceptErr <- err
					return
				}
				accepted <- conn
			}()

			dialCtx, dialCancel := context.WithTimeout(context.Background(), flagTimeout)
			defer dialCancel()
			dialer, err := client.Dial(dialCtx, listener.Addr(), 0, true)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			defer dialer.Close()

			var serverConn *vsock.Conn
			select {
			case serverConn = <-accepted:
			case err := <-acceptErr:
				return fmt.Errorf("accept: %w", err)
			case <-ctx.Done():
				return ctx.Err()
			}
			defer serverConn.Close()

			if _, err := dialer.Write(ctx, []byte(message)); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client -> server: %q\n", message)

			buf := make([]byte, len(message))
			n, err := serverConn.Read(ctx, buf)
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server received: %q\n", buf[:n])
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "hello over vsock", "message the dialer writes")
	return cmd
}

// newListenCmd starts a listener bound to CID 3 and prints every line
// received on each accepted connection until the process is
// interrupted. Run alone it blocks forever: the loopback substrate is
// in-process only, so a standalone listen needs a dialer in the SAME
// process (see demo) or a real qp.Allocator backed by a VSock device.
func newListenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Bind and accept connections, printing received lines (blocks for a loopback peer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			alloc := loopback.NewAllocator()
			engine := vsock.NewEngine(3, alloc, nil, logger, nil)
			defer engine.Close()

			listener, err := engine.Listen(types.Addr{CID: 3, Port: flagPort}, 16, 0, true)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			defer listener.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "listening on cid=3 port=%d\n", listener.Addr().Port)

			for {
				ctx := context.Background()
				conn, err := listener.Accept(ctx)
				if err != nil {
					return fmt.Errorf("accept: %w", err)
				}
				go echoLines(cmd, conn)
			}
		},
	}
}

func echoLines(cmd *cobra.Command, conn *vsock.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(context.Background(), buf)
		if n > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s", buf[:n])
		}
		if err != nil || n == 0 {
			return
		}
	}
}

// newDialCmd connects to a remote CID/port and relays stdin lines to
// it. Like listen, a standalone dial has no peer to reach under
// loopback; use demo to see both roles at once.
func newDialCmd() *cobra.Command {
	var remoteCID uint32
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Connect to a remote cid:port and relay stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			alloc := loopback.NewAllocator()
			cfg := types.DefaultConfig()
			cfg.ConnectTimeout = flagTimeout
			engine := vsock.NewEngine(types.CIDHost, alloc, &cfg, logger, nil)
			defer engine.Close()

			ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
			defer cancel()
			conn, err := engine.Dial(ctx, types.Addr{CID: remoteCID, Port: flagPort}, 0, true)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			defer conn.Close()

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := append(scanner.Bytes(), '\n')
				if _, err := conn.Write(context.Background(), line); err != nil {
					return fmt.Errorf("write: %w", err)
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().Uint32Var(&remoteCID, "cid", 3, "remote context id")
	return cmd
}
