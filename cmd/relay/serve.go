package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatrelay/internal/cache"
	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dispatch"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/generate"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
	"github.com/stupiduntilnot/chatrelay/internal/openai"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
	"github.com/stupiduntilnot/chatrelay/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the Telegram webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelayConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// relay is the wired process: one cache, one dispatcher and the HTTP
// handler in front of them.
type relay struct {
	cfg     config.RelayConfig
	cache   *cache.Cache
	handler *webhook.Handler
	guard   *control.Guard
	db      *sql.DB
	events  *db.EventLog
}

// Close releases the event log database, if any.
func (r *relay) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// record writes to the event log when one is configured.
func (r *relay) record(eventType string, payload map[string]any) {
	if r.events != nil {
		r.events.Record(eventType, payload)
	}
}

func buildRelay(ctx context.Context, cfg config.RelayConfig) (*relay, error) {
	r := &relay{cfg: cfg}

	if cfg.DBPath != "" {
		database, err := db.OpenDB(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(database); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to init schema: %w", err)
		}
		events, err := db.StartEventLog(database, map[string]any{
			"role":     "relay",
			"pid":      os.Getpid(),
			"notifier": cfg.Notifier,
			"provider": cfg.ModelProvider,
			"model":    cfg.Model,
		})
		if err != nil {
			database.Close()
			return nil, err
		}
		r.db, r.events = database, events
	}

	notifier, botHandle, err := newNotifier(ctx, cfg)
	if err != nil {
		r.Close()
		return nil, err
	}

	var generator dispatch.Generator
	completer, err := newCompleter(cfg)
	if err != nil {
		r.Close()
		return nil, err
	}
	if completer != nil {
		r.guard = control.NewGuard(completer, control.Policy{
			Timeout:          time.Duration(cfg.CompletionTimeoutSeconds) * time.Second,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  time.Duration(cfg.BreakerCooldownSeconds) * time.Second,
		})
		r.guard.OnTransition = r.circuitChanged
		generator = generate.New(r.guard,
			generate.WithMaxInputChars(cfg.MaxInputChars),
			generate.WithTraditions(cfg.QuoteTraditions),
		)
	} else {
		log.Printf("[relay] no completion backend configured; commands will reply %q", dispatch.NotConfiguredText)
	}

	var sink dispatch.EventSink
	if r.events != nil {
		sink = r.events
	}

	r.cache = cache.New(cfg.MaxMessages)
	dispatcher := dispatch.New(r.cache, generator, notifier,
		dispatch.WithBotHandle(botHandle),
		dispatch.WithEvents(sink),
	)
	r.handler = webhook.NewHandler(cfg.WebhookPath, dispatcher, r.cache, sink)
	return r, nil
}

// newNotifier returns the outbound side and the bot handle commands may be
// addressed to. The handle is looked up with getMe when not configured.
func newNotifier(ctx context.Context, cfg config.RelayConfig) (cmdpkg.Notifier, string, error) {
	if cfg.Notifier == config.NotifierDummy {
		n, err := dummy.NewNotifier(cfg.DummySendScript)
		if err != nil {
			return nil, "", fmt.Errorf("invalid RELAY_DUMMY_SEND_SCRIPT: %w", err)
		}
		return n, cfg.BotUsername, nil
	}

	client := telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.TelegramTimeout)*time.Second)
	handle := cfg.BotUsername
	if handle == "" {
		me, err := client.GetMe(ctx)
		if err != nil {
			log.Printf("[relay] getMe failed, addressed commands will be ignored: %v", err)
		} else {
			handle = me.Username
		}
	}
	return client, handle, nil
}

// newCompleter returns nil when no backend is configured.
func newCompleter(cfg config.RelayConfig) (modelpkg.Completer, error) {
	if !cfg.CompletionConfigured() {
		return nil, nil
	}
	switch cfg.ModelProvider {
	case config.ProviderOpenAI, config.ProviderHuggingFace:
		timeout := time.Duration(cfg.CompletionTimeoutSeconds) * time.Second
		return openai.NewClient(cfg.CompletionAPIKey, cfg.CompletionURL, cfg.Model, timeout), nil
	case config.ProviderDummy:
		p, err := dummy.NewProvider(cfg.Model, cfg.DummyProviderScript)
		if err != nil {
			return nil, fmt.Errorf("invalid RELAY_DUMMY_PROVIDER_SCRIPT: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}

func (r *relay) circuitChanged(from, to control.CircuitState, errClass string) {
	log.Printf("[relay] completion circuit %s -> %s class=%s", from, to, errClass)
	var eventType string
	switch to {
	case control.CircuitOpen:
		eventType = db.EventCircuitOpened
	case control.CircuitHalfOpen:
		eventType = db.EventCircuitHalfOpen
	default:
		eventType = db.EventCircuitClosed
	}
	payload := map[string]any{"from": string(from)}
	if errClass != "" {
		payload["error_class"] = errClass
	}
	r.record(eventType, payload)
}

func serve(ctx context.Context, cfg config.RelayConfig) error {
	r, err := buildRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[relay] listening on %s path=%s provider=%s notifier=%s",
			cfg.ListenAddr, cfg.WebhookPath, cfg.ModelProvider, cfg.Notifier)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			r.record(db.EventProcessStopped, map[string]any{"error": err.Error()})
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
	case <-ctx.Done():
		log.Printf("[relay] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[relay] shutdown: %v", err)
		}
	}
	r.record(db.EventProcessStopped, map[string]any{"conversations": r.cache.Conversations()})
	return nil
}
