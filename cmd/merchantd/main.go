package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"merchantcore/internal/config"
	"merchantcore/internal/httpapi"
	"merchantcore/internal/service"
)

func main() {
	rootCmd := &cobra.Command{Use: "merchantd"}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the merchant HTTP backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "merchant.conf", "path to the merchant configuration file")
	return cmd
}

func runServe(configPath string) error {
	log := logrus.StandardLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("merchantd: %w", err)
	}

	svc, err := service.New(cfg, nil, log)
	if err != nil {
		return fmt.Errorf("merchantd: %w", err)
	}
	defer svc.Shutdown()

	router := httpapi.NewRouter(svc)

	listener, addr, err := listen(cfg)
	if err != nil {
		return fmt.Errorf("merchantd: %w", err)
	}

	srv := &http.Server{Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("merchantd: listening")
		serveErr <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		log.Info("merchantd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("merchantd: %w", err)
		}
		return nil
	}
}

func listen(cfg *config.Config) (net.Listener, string, error) {
	if cfg.Merchant.Serve == "unix" {
		if cfg.Merchant.UnixPath == "" {
			return nil, "", fmt.Errorf("serve=unix requires unixpath")
		}
		_ = os.Remove(cfg.Merchant.UnixPath)
		l, err := net.Listen("unix", cfg.Merchant.UnixPath)
		if err != nil {
			return nil, "", err
		}
		mode, err := parseFileMode(cfg.Merchant.UnixPathMode)
		if err == nil {
			_ = os.Chmod(cfg.Merchant.UnixPath, mode)
		}
		return l, cfg.Merchant.UnixPath, nil
	}

	bind := cfg.Merchant.BindTo
	addr := fmt.Sprintf("%s:%d", bind, cfg.Merchant.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	return l, addr, nil
}

func parseFileMode(s string) (os.FileMode, error) {
	var mode os.FileMode
	_, err := fmt.Sscanf(s, "%o", &mode)
	return mode, err
}
