package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lximedia/lxiserver/internal/config"
	"github.com/lximedia/lxiserver/internal/logging"
	"github.com/lximedia/lxiserver/internal/sandbox"
)

// sandboxCmd is started by the server itself; its stderr carries the
// sandbox line protocol.
var sandboxCmd = &cobra.Command{
	Use:    "sandbox",
	Short:  "Run a sandbox worker",
	Hidden: true,
	RunE:   runSandbox,
}

func init() {
	sandboxCmd.Flags().String("mode", "probe", "worker mode")
}

func newSandboxWorker(mode string, cfg config.LoggingConfig) (*sandbox.Worker, error) {
	// Only warnings reach the parent as console lines.
	cfg.File = ""
	cfg.Level = "warn"
	logger, _, err := logging.NewWithWriter(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}

	w := sandbox.New(mode, sandbox.WithLogger(logger))
	w.RegisterCallback(sandbox.ProbePath, sandbox.ProbeCallback{})
	return w, nil
}

func runSandbox(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("mode")

	w, err := newSandboxWorker(mode, GetConfig().Logging)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return w.Run(ctx)
}
