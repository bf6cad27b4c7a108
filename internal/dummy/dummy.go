// Package dummy provides scripted stand-ins for the completion backend and
// the Telegram notifier, for local runs without network access.
//
// A script is a comma-separated list of actions consumed one per call; the
// last action repeats once the script is exhausted:
//
//	ok          succeed (provider replies "dummy-ok")
//	err:<class> fail with the given error class
//	sleep:<ms>  wait, honoring context cancellation, then succeed
//	msg:<text>  provider replies with text
//	msgb64:<b>  provider replies with base64-decoded text
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		kind, arg, found := strings.Cut(token, ":")
		if !found {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		switch kind {
		case "err", "sleep", "msg", "msgb64":
			actions = append(actions, action{kind: kind, arg: arg})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleep(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SentMessage is one message accepted by the dummy Notifier.
type SentMessage struct {
	ChatID int64
	Text   string
}

// Notifier is a scripted commander.Notifier that logs instead of sending.
type Notifier struct {
	mu   sync.Mutex
	send *scriptRunner
	sent []SentMessage
}

func NewNotifier(sendScript string) (*Notifier, error) {
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Notifier{send: send}, nil
}

func (n *Notifier) SendMessage(ctx context.Context, chatID int64, text string) error {
	n.mu.Lock()
	a := n.send.next()
	n.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy notifier send error class=%s", emptyAs(a.arg, "notifier_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return err
		}
	}

	n.mu.Lock()
	n.sent = append(n.sent, SentMessage{ChatID: chatID, Text: text})
	n.mu.Unlock()
	log.Printf("[dummy] sendMessage chat_id=%d text=%q", chatID, text)
	return nil
}

// Sent returns a copy of every message accepted so far.
func (n *Notifier) Sent() []SentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentMessage(nil), n.sent...)
}

// Provider is a scripted model.Completer.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
}

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

func (p *Provider) Complete(ctx context.Context, system, user string) (modelpkg.CompletionResponse, error) {
	p.mu.Lock()
	a := p.script.next()
	p.mu.Unlock()

	usage := modelpkg.CompletionResponse{
		InputTokens:  estimateTokens(system) + estimateTokens(user),
		OutputTokens: 1,
	}
	switch a.kind {
	case "err":
		return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return modelpkg.CompletionResponse{}, err
		}
		usage.Content = "dummy-after-sleep"
	case "msg":
		usage.Content = a.arg
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		usage.Content = string(raw)
	default:
		usage.Content = "dummy-ok"
	}
	return usage, nil
}

func estimateTokens(text string) int {
	return (len([]rune(text)) + 3) / 4
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
