// Command tcp-client uploads or downloads a single file against tcp-server
// over a plain kernel TCP socket.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

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
		port int
		host string
		name string
		src  string
		dst  string
		verb cli.Verbosity
	)
	hostname, _ := os.Hostname()

	cmd := &cobra.Command{
		Use:   "tcp-client",
		Short: "Upload or download a file against tcp-server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if (src == "") == (dst == "") {
				return fmt.Errorf("specify exactly one of --src or --dst")
			}
			return run(cmd.Context(), verb, host, port, name, src, dst)
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", 0, "server port")
	flags.StringVarP(&host, "host", "H", hostname, "server host address")
	flags.StringVarP(&name, "name", "n", "", "remote file name")
	flags.StringVarP(&src, "src", "s", "", "local directory to upload from")
	flags.StringVarP(&dst, "dst", "d", "", "local directory to download into")
	verb.AddTo(flags)
	cmd.MarkFlagRequired("port")
	return cmd
}

func run(ctx context.Context, verb cli.Verbosity, host string, port int, name, src, dst string) error {
	ctx = cli.WithLogger(ctx, verb)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := (transport.KernelDialer{}).Dial(ctx, addr)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "tcp-client connected to %s", conn.RemoteAddr())

	client := fileapp.NewClient(afero.NewOsFs())
	if src != "" {
		return client.Upload(ctx, conn, src+string(os.PathSeparator)+name, name)
	}
	return client.Download(ctx, conn, name, dst+string(os.PathSeparator)+name)
}
