package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"

	"github.com/dubcastio/dubcast/internal/api"
	"github.com/dubcastio/dubcast/internal/app"
	"github.com/dubcastio/dubcast/internal/config"
	"github.com/dubcastio/dubcast/internal/infra/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dubcastd",
	Short: "dubcastd runs the dubbing job orchestrator and its HTTP control surface",
	Long:  `A concurrent video-dubbing pipeline daemon written in Go.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control surface and job orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var workerInfoCmd = &cobra.Command{
	Use:   "worker-info",
	Short: "Print the resolved worker pool configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workerInfo()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerInfoCmd)
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer log.Close()

	appCtx, err := app.NewContext(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize app context: %w", err)
	}
	defer appCtx.Close()

	e := echo.New()
	e.HideBanner = true
	api.RegisterRoutes(e, appCtx)

	// Signal handling mirrors the same Ctrl+C-cancels-the-context shape
	// used for the pipeline's own cancellation: a caught signal tears
	// the HTTP server down gracefully instead of killing in-flight
	// requests outright.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening on :%s", cfg.Server.Port)
		if err := e.Start(":" + cfg.Server.Port); err != nil {
			serveErr <- err
		}
	}()

	select {
	case <-sigChan:
		log.Info("interrupt received, shutting down gracefully...")
	case err := <-serveErr:
		if err != nil {
			log.Error("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func workerInfo() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	fmt.Printf("provider: %s\n", cfg.Provider.BaseURL)
	fmt.Printf("poll interval: %s\n", cfg.Provider.PollInterval)
	fmt.Printf("max wait time: %s\n", cfg.Provider.MaxWaitTime)
	fmt.Printf("workspace root: %s\n", cfg.Download.WorkspaceRoot)
	fmt.Printf("output retention: %s\n", cfg.Download.OutputRetention)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
