package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the gate over JSON-RPC 2.0 on stdio",
	Long: `Serve the gate over line-delimited JSON-RPC 2.0 on stdin/stdout.

Planners usually spawn this as a child process; the Go SDK in
pkg/client does exactly that. Logs go to stderr so stdout stays a
clean protocol channel.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := loadConfig()
	if err != nil {
		return errx.Wrap(ErrLoadConfig, err)
	}

	g, err := openGate(cfg)
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, cancel := contextWithSignal(cmd.Context())
	defer cancel()

	slog.Info("gate ready",
		"data_dir", cfg.GetDataDir(),
		"rules", g.log.Len(),
		"agents_file", cfg.AgentsFile,
	)

	err = rpc.Serve(ctx, rpc.Options{
		Config:    cfg,
		Executor:  g.executor,
		Broker:    g.broker,
		Rules:     g.log,
		Snapshots: g.snapshots,
		Store:     g.store,
		Journal:   g.journal,
	})
	if err != nil {
		return errx.Wrap(ErrServe, err)
	}
	slog.Info("gate stopped")
	return nil
}
