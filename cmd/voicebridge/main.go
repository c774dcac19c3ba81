package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/voicebridge/voicebridge/internal/app"
	"github.com/voicebridge/voicebridge/internal/banner"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	bridge, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create voicebridge", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		fmt.Println("Configuration OK")
		fmt.Println()
		fmt.Print(bridge.Summary())
		return
	}

	banner.Print("Voicebridge", []banner.ConfigLine{
		{Label: "Registrar", Value: fmt.Sprintf("%s:%d", cfg.SIPServer, cfg.SIPPort)},
		{Label: "SIP user", Value: cfg.SIPUsername},
		{Label: "SIP bind", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.LocalPort)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "AI model", Value: cfg.OpenAIModel},
		{Label: "AI voice", Value: cfg.OpenAIVoice},
		{Label: "Home Assistant", Value: cfg.HomeAssistantURL},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	run(bridge, cfg)
}

func run(bridge *app.App, cfg *config.Config) {
	slog.Info("Starting Voicebridge",
		"registrar", cfg.SIPServer+":"+strconv.Itoa(cfg.SIPPort),
		"user", cfg.SIPUsername,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- bridge.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
			slog.Warn("Shutdown timed out")
		}
	case err := <-errCh:
		if err != nil {
			slog.Error("Bridge failed", "error", err)
			os.Exit(1)
		}
	}
}
