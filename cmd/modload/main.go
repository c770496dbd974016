// Command modload runs a standalone module loading service: it registers
// descriptors from a file, serves artifacts from a local directory, and
// exposes the orchestrator's debug surface over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GoCodeAlone/modload"
)

const envPrefix = "MODLOAD"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "modload",
		Short:         "Module loading orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), validateCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		descriptorPath string
		artifactDir    string
		listenAddr     string
		verbose        bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and debug HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			log := modload.NewZapLogger(logger)

			config := modload.DefaultConfig()
			if err := config.ApplyEnvOverrides(envPrefix); err != nil {
				return fmt.Errorf("applying environment overrides: %w", err)
			}

			registry := modload.NewRegistry()
			if err := registry.LoadDescriptorFile(descriptorPath); err != nil {
				return fmt.Errorf("loading descriptors from %q: %w", descriptorPath, err)
			}
			log.Info("Registered module descriptors",
				"file", descriptorPath, "count", len(registry.IDs()))

			loader := modload.NewFileArtifactLoader(artifactDir, log)
			orch := modload.NewOrchestrator(config, registry, loader,
				modload.WithLogger(log))

			ctx, stop := signal.NotifyContext(cmd.Context(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := orch.Start(ctx); err != nil {
				return fmt.Errorf("starting orchestrator: %w", err)
			}
			if err := loader.Watch(orch.Invalidate); err != nil {
				return fmt.Errorf("watching artifact directory: %w", err)
			}

			server := &http.Server{
				Addr:              listenAddr,
				Handler:           modload.DebugHandler(orch),
				ReadHeaderTimeout: 5 * time.Second,
			}
			serverErr := make(chan error, 1)
			go func() {
				log.Info("Debug endpoint listening", "addr", listenAddr)
				serverErr <- server.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				log.Info("Shutdown signal received")
			case err := <-serverErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("debug server: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			_ = loader.Close()
			return orch.Stop(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&descriptorPath, "descriptors", "modules.yaml",
		"path to the module descriptor file (yaml or toml)")
	cmd.Flags().StringVar(&artifactDir, "artifacts", "artifacts",
		"directory containing module artifact files")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8087",
		"address for the debug HTTP endpoint")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug-level logging")
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <descriptor-file>",
		Short: "Parse and validate a module descriptor file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := modload.NewRegistry()
			if err := registry.LoadDescriptorFile(args[0]); err != nil {
				return err
			}
			for _, desc := range registry.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tpriority=%s\ttimeout=%s\tcache=%t\n",
					desc.ID, desc.Priority, desc.Timeout, desc.CacheEnabled)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d descriptors OK\n", len(registry.IDs()))
			return nil
		},
	}
	return cmd
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
