// cmd/canon-server/main.go: HTTP canonicalization service for gocanon
//
// Usage:
//
//	canon-server --config canon.yaml --port 8080
//	canon-server canonicalize problem.yaml
//
// Endpoints are listed in package internal/server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/njchilds90/gocanon/codec"
	"github.com/njchilds90/gocanon/expr"
	"github.com/njchilds90/gocanon/internal/config"
	"github.com/njchilds90/gocanon/internal/logging"
	"github.com/njchilds90/gocanon/internal/server"
)

// cliFlags holds the flag values of one command tree.
type cliFlags struct {
	configPath string
	port       int
}

func newRootCmd() *cobra.Command {
	f := &cliFlags{}
	root := &cobra.Command{
		Use:          "canon-server",
		Short:        "Serve problem canonicalization over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, f)
		},
	}
	canonicalize := &cobra.Command{
		Use:   "canonicalize FILE",
		Short: "Canonicalize a JSON or YAML problem document and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCanonicalize(cmd, f, args[0])
		},
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to a YAML or JSON config file")
	root.Flags().IntVar(&f.port, "port", 0, "port to listen on (overrides config)")
	root.AddCommand(canonicalize)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, f *cliFlags) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		JSON:    cfg.Logging.JSON,
		Service: "canon-server",
		Output:  cmd.ErrOrStderr(),
	})
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, f *cliFlags) error {
	cfg, logger, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := server.New(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer s.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("canon-server listening",
			slog.String("addr", addr),
			slog.String("rule_set", cfg.Canon.RuleSet),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runCanonicalize(cmd *cobra.Command, f *cliFlags, path string) error {
	cfg, logger, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	dec := codec.NewDecoder().WithMaxVariableSize(cfg.Canon.MaxVariableSize)
	var problem *expr.Problem
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		problem, err = dec.ProblemYAML(data)
	default:
		problem, err = dec.ProblemJSON(data)
	}
	if err != nil {
		return err
	}

	c, err := server.NewCanonicalizer(cfg.Canon, logger)
	if err != nil {
		return err
	}
	canon, inv, err := c.Apply(cmd.Context(), problem)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"pass_id": inv.PassID,
		"problem": codec.EncodeProblem(canon),
	})
}
