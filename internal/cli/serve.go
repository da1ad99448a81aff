package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-sync/config"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/remote"
	"github.com/c0deZ3R0/go-offline-sync/transport/httptransport"
	"github.com/c0deZ3R0/go-offline-sync/transport/sse"
	"github.com/c0deZ3R0/go-offline-sync/transport/ws"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the in-memory reference sync server",
		Long: `Run an in-memory sync server for development and testing.

Endpoints:
  POST /actions      apply a queued action
  GET  /changes      read the change feed after a cursor
  POST /guest/claim  move a guest's data to an account
  GET  /notify       WebSocket change notifications
  GET  /events       server-sent change notifications

State is lost when the server stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			h, hub := newServerHandler(cfg)
			defer hub.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "sync server on %s (Ctrl+C to stop)\n", addr)
			return httptransport.Serve(ctx, addr, h)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}

// newServerHandler builds the HTTP handler for a fresh in-memory remote with
// change notifications over WebSocket and server-sent events.
func newServerHandler(cfg *config.Config) (*httptransport.Handler, *ws.Hub) {
	r := remote.New(remote.WithLogger(logging.WithComponent("remote")))
	hub := ws.NewHub(ws.WithHubLogger(logging.WithComponent("transport/ws")))
	r.OnChange(hub.Notify)

	opts := []httptransport.ServerOption{
		httptransport.WithNotifyHandler(hub),
		httptransport.WithEventsHandler(sse.NewServer(r, logging.WithComponent("transport/sse")).Handler()),
		httptransport.WithServerLogger(logging.WithComponent("transport/http")),
	}
	if cfg.Server.TokenSecret != "" {
		opts = append(opts, httptransport.WithTokenSecret([]byte(cfg.Server.TokenSecret)))
	}
	return httptransport.NewHandler(r, opts...), hub
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a default config file",
		Long: `Write the default configuration to path. The extension picks the format:
.yaml or .yml, .toml, otherwise JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd).Print(map[string]string{"path": path}, func(w io.Writer) {
				fmt.Fprintf(w, "wrote %s\n", path)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
