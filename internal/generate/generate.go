// Package generate turns cached conversation text into summary, activity
// and quote replies using a text completion backend.
package generate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/stupiduntilnot/chatrelay/internal/command"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

// DefaultMaxInputChars bounds the text submitted per completion call.
const DefaultMaxInputChars = 3500

// DefaultTraditions are the quote sources picked from for /quote.
var DefaultTraditions = []string{"Stoic", "Zen", "Taoist"}

const (
	summaryInstruction = "You summarize group chat conversations. " +
		"Summarize the last ~3 messages as a single-line TL;DR. " +
		"Reply with the TL;DR only, no preamble."
	activityInstruction = "You highlight activity in group chat conversations. " +
		"Write a single-line activity highlight describing what people have been up to. " +
		"Reply with the highlight only, no preamble."
	quoteInstruction = "You share wisdom. Produce exactly one short, real, attributed quote " +
		"from the tradition the user names. Format it as \"<quote>\" — <author>. " +
		"Do not invent quotes and do not add commentary."
)

var (
	// ErrNothingToSummarize means the conversation has no cached messages.
	ErrNothingToSummarize = errors.New("nothing to summarize")
	// ErrGeneration matches every *GenerationError via errors.Is.
	ErrGeneration = errors.New("generation failed")
	// ErrUnsupportedVariant is returned for command.Plain.
	ErrUnsupportedVariant = errors.New("variant does not generate a reply")
)

// GenerationError reports that the completion backend failed or returned
// nothing usable.
type GenerationError struct {
	Variant command.Variant
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Variant, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGeneration
}

// Request is one prompt ready to be sent to the completion backend.
type Request struct {
	Variant command.Variant
	System  string
	User    string
}

// Generator builds prompts per command variant and calls the completer.
type Generator struct {
	completer     modelpkg.Completer
	maxInputChars int
	traditions    []string
	pick          func(n int) int
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxInputChars overrides DefaultMaxInputChars. Non-positive values are ignored.
func WithMaxInputChars(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxInputChars = n
		}
	}
}

// WithTraditions overrides the quote traditions. An empty list is ignored.
func WithTraditions(traditions []string) Option {
	return func(g *Generator) {
		if len(traditions) > 0 {
			g.traditions = append([]string(nil), traditions...)
		}
	}
}

// WithPicker replaces the uniform random choice of tradition.
func WithPicker(pick func(n int) int) Option {
	return func(g *Generator) {
		if pick != nil {
			g.pick = pick
		}
	}
}

// New creates a Generator backed by completer.
func New(completer modelpkg.Completer, opts ...Option) *Generator {
	g := &Generator{
		completer:     completer,
		maxInputChars: DefaultMaxInputChars,
		traditions:    DefaultTraditions,
		pick:          rand.IntN,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BuildRequest assembles the prompt for variant. Summary and Activity need
// at least one cached message.
func (g *Generator) BuildRequest(variant command.Variant, snapshot []string) (Request, error) {
	switch variant {
	case command.Quote:
		tradition := g.traditions[g.pick(len(g.traditions))]
		return Request{
			Variant: variant,
			System:  quoteInstruction,
			User:    fmt.Sprintf("Share one quote from the %s tradition.", tradition),
		}, nil
	case command.Summary, command.Activity:
		if len(snapshot) == 0 {
			return Request{}, ErrNothingToSummarize
		}
		system := summaryInstruction
		if variant == command.Activity {
			system = activityInstruction
		}
		return Request{
			Variant: variant,
			System:  system,
			User:    TailChars(strings.Join(snapshot, "\n"), g.maxInputChars),
		}, nil
	default:
		return Request{}, ErrUnsupportedVariant
	}
}

// Generate produces the reply text for variant from the cached snapshot.
// It makes a single completion call and never retries.
func (g *Generator) Generate(ctx context.Context, variant command.Variant, snapshot []string) (string, error) {
	req, err := g.BuildRequest(variant, snapshot)
	if err != nil {
		return "", err
	}

	resp, err := g.completer.Complete(ctx, req.System, req.User)
	if err != nil {
		return "", &GenerationError{Variant: variant, Err: err}
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", &GenerationError{Variant: variant, Err: errors.New("empty completion")}
	}
	return text, nil
}

// TailChars keeps the last maxChars characters of s.
func TailChars(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[len(runes)-maxChars:])
}
