// Package app assembles the bridge: the SIP user agent, the per-call
// session pipeline, and the configuration that shapes both.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/voicebridge/internal/ai"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/ha"
	"github.com/voicebridge/voicebridge/internal/session"
	"github.com/voicebridge/voicebridge/internal/sip"
	"github.com/voicebridge/voicebridge/internal/tools"
)

// App owns the long-lived pieces of the service. Calls arrive from the
// SIP user agent and each one gets its own session with a fresh AI
// connection and Home Assistant client.
type App struct {
	cfg     *config.Config
	catalog *config.Catalog
	callers *config.Callers
	ua      *sip.UA
	log     *slog.Logger

	wg sync.WaitGroup
}

// New loads the YAML configuration and builds the SIP stack.
func New(cfg *config.Config) (*App, error) {
	catalog, err := config.LoadCatalog(cfg.ToolsPath)
	if err != nil {
		return nil, fmt.Errorf("loading tool catalog: %w", err)
	}
	callers, err := config.LoadCallers(cfg.CallersPath)
	if err != nil {
		return nil, fmt.Errorf("loading caller profiles: %w", err)
	}

	ua, err := sip.NewUA(sip.UAConfig{
		Server:      cfg.SIPServer,
		Port:        cfg.SIPPort,
		Username:    cfg.SIPUsername,
		Password:    cfg.SIPPassword,
		DisplayName: cfg.SIPDisplayName,
		BindAddr:    cfg.BindAddr,
		LocalPort:   cfg.LocalPort,
		Advertise:   cfg.AdvertiseAddr,
		RTPPortMin:  cfg.RTPPortMin,
		RTPPortMax:  cfg.RTPPortMax,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		catalog: catalog,
		callers: callers,
		ua:      ua,
		log:     slog.Default().With("component", "app"),
	}, nil
}

// Run serves until ctx is cancelled, then waits for in-flight calls to
// drain.
func (a *App) Run(ctx context.Context) error {
	defer a.ua.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.ua.Run(gctx) })
	g.Go(func() error {
		a.dispatchLoop(gctx)
		return nil
	})

	err := g.Wait()
	a.wg.Wait()
	return err
}

func (a *App) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case call := <-a.ua.Calls():
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleCall(ctx, call.Dialog)
			}()
		}
	}
}

// handleCall runs one call to completion and reaps its resources.
func (a *App) handleCall(ctx context.Context, dialog *sip.Dialog) {
	settings := a.callers.Resolve(dialog.CallerID)
	a.log.Info("Dispatching call",
		"call_id", dialog.CallID,
		"caller", settings.Name,
		"tools", len(settings.Tools),
	)

	instructions := tools.EnhanceInstructions(settings.Instructions, a.catalog, settings.Tools)
	if settings.Language != "" {
		instructions += fmt.Sprintf("\n\nAlways respond in %s.", settings.Language)
	}

	haClient := ha.NewClient(a.cfg.HomeAssistantURL, a.cfg.HomeAssistantToken)
	gateway := tools.NewGateway(a.catalog, haClient, settings.Pin)
	aiClient := ai.NewClient(ai.Config{
		BaseURL:      a.cfg.OpenAIBaseURL,
		APIKey:       a.cfg.OpenAIAPIKey,
		Model:        a.cfg.OpenAIModel,
		Voice:        a.cfg.OpenAIVoice,
		Instructions: instructions,
		Tools:        tools.Project(a.catalog, settings.Tools),
	}, a.log)

	sess := session.New(dialog, aiClient, gateway, haClient)
	if err := sess.Run(ctx); err != nil {
		a.log.Error("Session failed", "call_id", dialog.CallID, "error", err)
	}

	if dialog.RTPConn != nil {
		dialog.RTPConn.Close()
	}
	a.ua.FinishCall(dialog.CallID)
}

// Summary renders a one-screen configuration overview for --dry-run.
func (a *App) Summary() string {
	return fmt.Sprintf(
		"registrar:      %s:%d (user %s)\n"+
			"sip bind:       %s:%d (advertising %s)\n"+
			"rtp ports:      %d-%d\n"+
			"ai model:       %s (voice %s)\n"+
			"home assistant: %s\n"+
			"tools:          %d configured\n"+
			"callers:        %d known, %d profiles\n",
		a.cfg.SIPServer, a.cfg.SIPPort, a.cfg.SIPUsername,
		a.cfg.BindAddr, a.cfg.LocalPort, a.cfg.AdvertiseAddr,
		a.cfg.RTPPortMin, a.cfg.RTPPortMax,
		a.cfg.OpenAIModel, a.cfg.OpenAIVoice,
		a.cfg.HomeAssistantURL,
		len(a.catalog.Tools),
		len(a.callers.Callers), len(a.callers.Profiles),
	)
}
