package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unity-mcp/bridge/internal/config"
	configstore "github.com/unity-mcp/bridge/internal/config/store"
	"github.com/unity-mcp/bridge/internal/daemon"
	bridgeversion "github.com/unity-mcp/bridge/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "unity-bridged",
		Short:         "Unity bridge daemon - discovers editor instances and serves the HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = bridgeversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	cfg := config.FromEnv()

	if daemon.IsRunning(&cfg) {
		return fmt.Errorf("daemon is already running")
	}

	paths, err := config.EnsureBridgeDirs()
	if err != nil {
		return fmt.Errorf("failed to prepare bridge directories: %w", err)
	}

	store, err := configstore.Open(configstore.Options{})
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	d, err := daemon.New(daemon.Options{Config: &cfg, Store: store})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := d.Start(); err != nil {
			errChan <- err
		}
	}()

	log.Printf("Unity bridge daemon started (PID: %d)", os.Getpid())
	log.Printf("State store: %s", paths.StateDB)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		d.Shutdown()
	case err := <-errChan:
		log.Printf("Daemon error: %v", err)
		return err
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging() error {
	paths, err := config.EnsureBridgeDirs()
	if err != nil {
		return fmt.Errorf("initialise bridge directories: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Unity Bridge Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
