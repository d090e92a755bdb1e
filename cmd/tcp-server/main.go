// Command tcp-server serves the same file-transfer application protocol as
// rft-server, but over a plain kernel TCP socket, as a baseline to compare
// against the reliable-datagram transport.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire-rft/reliable-ftp/internal/cli"
	"github.com/datawire-rft/reliable-ftp/pkg/fileapp"
	"github.com/datawire-rft/reliable-ftp/pkg/transport"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		port    int
		host    string
		storage string
		verb    cli.Verbosity
	)
	hostname, _ := os.Hostname()

	cmd := &cobra.Command{
		Use:   "tcp-server",
		Short: "Serve file uploads and downloads over plain TCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if storage == "" {
				return fmt.Errorf("--storage is required")
			}
			return run(cmd.Context(), verb, host, port, storage)
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", 0, "server port")
	flags.StringVarP(&host, "host", "H", hostname, "host address to bind")
	flags.StringVarP(&storage, "storage", "s", "", "storage directory for received/served files")
	verb.AddTo(flags)
	cmd.MarkFlagRequired("port")
	cmd.MarkFlagRequired("storage")
	return cmd
}

func run(ctx context.Context, verb cli.Verbosity, host string, port int, storage string) error {
	ctx = cli.WithLogger(ctx, verb)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := transport.ListenKernel(addr)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "tcp-server listening on %s", ln.Addr())

	srv := fileapp.NewServer(afero.NewOsFs(), storage)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
		SoftShutdownTimeout:  5 * time.Second,
	})
	g.Go("accept-loop", func(ctx context.Context) error {
		defer ln.Close()
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				dlog.Errorf(ctx, "accept failed: %v", err)
				continue
			}
			g.Go("conn-"+conn.RemoteAddr().String(), func(ctx context.Context) error {
				if err := srv.Serve(ctx, conn); err != nil {
					dlog.Errorf(ctx, "connection from %s failed: %v", conn.RemoteAddr(), err)
				}
				return nil
			})
		}
	})
	return g.Wait()
}
