package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/hub"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/logger"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/webserver"
)

var serveFlags struct {
	host         string
	port         int
	token        string
	dataDir      string
	projectsRoot string
	logFile      string
	logLevel     string
	metricsOn    bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.host, "host", "127.0.0.1", "listen host")
	f.IntVar(&serveFlags.port, "port", 8080, "listen port")
	f.StringVar(&serveFlags.token, "token", os.Getenv("AGENTDECK_TOKEN"), "bearer token required on every request (empty disables auth)")
	f.StringVar(&serveFlags.dataDir, "data-dir", defaultDataDir(), "directory for the session journal database")
	f.StringVar(&serveFlags.projectsRoot, "projects-root", "", "restrict session working directories to this root")
	f.StringVar(&serveFlags.logFile, "log-file", "", "write JSON logs to this rotated file")
	f.StringVar(&serveFlags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	f.BoolVar(&serveFlags.metricsOn, "metrics", false, "expose Prometheus metrics on /metrics")
}

func runServe(cmd *cobra.Command, args []string) error {
	log, logCloser := logger.New(logger.Config{
		File:  serveFlags.logFile,
		Level: serveFlags.logLevel,
	})
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := os.MkdirAll(serveFlags.dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	store, err := journal.Open(filepath.Join(serveFlags.dataDir, "journal.db"))
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer store.Close()

	if serveFlags.metricsOn {
		if err := metrics.Register(nil); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
	}

	h := hub.New(store, log, 0)
	orch := orchestrator.New(store, h, log)

	srv := webserver.New(orch, log, webserver.Options{
		Host:         serveFlags.host,
		Port:         serveFlags.port,
		AuthToken:    serveFlags.token,
		ProjectsRoot: serveFlags.projectsRoot,
		Metrics:      serveFlags.metricsOn,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	orch.Shutdown(ctx)
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".agentdeck")
}
