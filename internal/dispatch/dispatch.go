// Package dispatch decides what the relay does with each inbound update:
// cache it, answer a command, or ignore it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/stupiduntilnot/chatrelay/internal/cache"
	"github.com/stupiduntilnot/chatrelay/internal/command"
	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/generate"
)

// Fixed replies sent back to the conversation.
const (
	NotConfiguredText = "Text generation is not configured for this bot."
	EmptySummaryText  = "No messages to summarize yet."
	EmptyActivityText = "No recent activity to highlight yet."
	ApologyText       = "Sorry, I couldn't generate a response right now."
)

// Event types recorded through an EventSink.
const (
	EventMessageCached    = "message.cached"
	EventNoticeSent       = "notice.sent"
	EventReplySent        = "reply.sent"
	EventGenerationFailed = "generation.failed"
	EventNotifyFailed     = "notify.failed"
)

// Outcome is the terminal state of one Handle call.
type Outcome int

const (
	NoMessage Outcome = iota
	MessageCached
	EmptyCacheNotice
	Responded
	GenerationFailed
	NotConfigured
)

func (o Outcome) String() string {
	switch o {
	case NoMessage:
		return "no_message"
	case MessageCached:
		return "message_cached"
	case EmptyCacheNotice:
		return "empty_cache_notice"
	case Responded:
		return "responded"
	case GenerationFailed:
		return "generation_failed"
	case NotConfigured:
		return "not_configured"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Generator produces reply text for a command.
type Generator interface {
	Generate(ctx context.Context, variant command.Variant, snapshot []string) (string, error)
}

// EventSink records what the dispatcher did. Implementations must not block
// for long and must be safe for concurrent use.
type EventSink interface {
	Record(eventType string, payload map[string]any)
}

// Dispatcher routes updates through the cache, the generator and the notifier.
type Dispatcher struct {
	cache     *cache.Cache
	generator Generator
	notifier  cmdpkg.Notifier
	botHandle string
	events    EventSink
	logf      func(format string, args ...any)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBotHandle sets the @handle accepted after command keywords.
func WithBotHandle(handle string) Option {
	return func(d *Dispatcher) { d.botHandle = handle }
}

// WithEvents records dispatch events to sink.
func WithEvents(sink EventSink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.events = sink
		}
	}
}

// WithLogf replaces log.Printf.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(d *Dispatcher) {
		if logf != nil {
			d.logf = logf
		}
	}
}

// New creates a Dispatcher. A nil generator means no completion backend is
// configured; commands then get NotConfiguredText.
func New(c *cache.Cache, generator Generator, notifier cmdpkg.Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cache:     c,
		generator: generator,
		notifier:  notifier,
		events:    nopSink{},
		logf:      log.Printf,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one update and reports its outcome. It never panics and
// sends at most one message back to the conversation.
func (d *Dispatcher) Handle(ctx context.Context, update cmdpkg.Update) Outcome {
	msg, ok := update.Incoming()
	if !ok {
		return NoMessage
	}

	variant := command.Classify(msg.Text, d.botHandle)
	if variant == command.Plain {
		return d.handlePlain(update.UpdateID, msg)
	}
	return d.handleCommand(ctx, update.UpdateID, msg, variant)
}

// handlePlain caches an ordinary message. Nothing is ever sent, even when
// caching panics.
func (d *Dispatcher) handlePlain(updateID int64, msg cmdpkg.IncomingMessage) (outcome Outcome) {
	if msg.FromBot {
		return MessageCached
	}

	outcome = NoMessage
	defer func() {
		if r := recover(); r != nil {
			d.logf("[relay] panic caching update_id=%d chat_id=%d: %v", updateID, msg.ChatID, r)
		}
	}()

	d.cache.Append(msg.ChatID, msg.Text)
	outcome = MessageCached
	d.events.Record(EventMessageCached, map[string]any{"chat_id": msg.ChatID})
	return outcome
}

// handleCommand answers a command with at most one message. A panic before
// a send was attempted becomes an apology; after that the outcome stands.
func (d *Dispatcher) handleCommand(ctx context.Context, updateID int64, msg cmdpkg.IncomingMessage, variant command.Variant) (outcome Outcome) {
	sent := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		d.logf("[relay] panic handling %s update_id=%d chat_id=%d: %v", variant, updateID, msg.ChatID, r)
		if sent {
			return
		}
		outcome = GenerationFailed
		defer func() {
			if r := recover(); r != nil {
				d.logf("[relay] panic sending apology chat_id=%d: %v", msg.ChatID, r)
			}
		}()
		d.notify(ctx, msg.ChatID, ApologyText)
		d.events.Record(EventGenerationFailed, map[string]any{
			"chat_id": msg.ChatID,
			"command": variant.String(),
			"error":   fmt.Sprint(r),
		})
	}()

	if d.generator == nil {
		sent, outcome = true, NotConfigured
		d.notify(ctx, msg.ChatID, NotConfiguredText)
		d.events.Record(EventNoticeSent, map[string]any{
			"chat_id": msg.ChatID,
			"command": variant.String(),
			"reason":  "not_configured",
		})
		return outcome
	}

	var snapshot []string
	if variant != command.Quote {
		snapshot = d.cache.Read(msg.ChatID)
	}

	reply, err := d.generator.Generate(ctx, variant, snapshot)
	switch {
	case errors.Is(err, generate.ErrNothingToSummarize):
		notice := EmptySummaryText
		if variant == command.Activity {
			notice = EmptyActivityText
		}
		sent, outcome = true, EmptyCacheNotice
		d.notify(ctx, msg.ChatID, notice)
		d.events.Record(EventNoticeSent, map[string]any{
			"chat_id": msg.ChatID,
			"command": variant.String(),
			"reason":  "empty_cache",
		})
		return outcome
	case err != nil:
		d.logf("[relay] %s failed chat_id=%d: %v", variant, msg.ChatID, err)
		sent, outcome = true, GenerationFailed
		d.notify(ctx, msg.ChatID, ApologyText)
		d.events.Record(EventGenerationFailed, map[string]any{
			"chat_id": msg.ChatID,
			"command": variant.String(),
			"error":   truncate(err.Error(), 400),
		})
		return outcome
	}

	sent, outcome = true, Responded
	d.notify(ctx, msg.ChatID, reply)
	d.events.Record(EventReplySent, map[string]any{
		"chat_id":  msg.ChatID,
		"command":  variant.String(),
		"messages": len(snapshot),
		"chars":    len([]rune(reply)),
	})
	return outcome
}

// notify sends text and only logs failures; the outcome is already decided.
func (d *Dispatcher) notify(ctx context.Context, chatID int64, text string) {
	if err := d.notifier.SendMessage(ctx, chatID, text); err != nil {
		d.logf("[relay] failed to notify chat_id=%d: %v", chatID, err)
		d.events.Record(EventNotifyFailed, map[string]any{
			"chat_id": chatID,
			"error":   truncate(err.Error(), 400),
		})
	}
}

type nopSink struct{}

func (nopSink) Record(string, map[string]any) {}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
