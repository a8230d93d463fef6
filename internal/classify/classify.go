// Package classify turns command-service responses into canonical results.
//
// The service has returned several payload layouts over its lifetime. Parse
// normalizes all of them into one Payload, and Classifier decides whether the
// user's intent was understood:
//
//  1. an explicit error flag means not understood;
//  2. a user-facing message containing a failure phrase means not understood;
//  3. a non-empty action and object that are not the reserved placeholder
//     mean understood;
//  4. anything else is not understood.
package classify

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/nadzzz/intercom/internal/message"
	"github.com/nadzzz/intercom/internal/metrics"
)

// DefaultFailurePhrases are the apology/clarification phrases the service
// speaks when it could not act on a command.
var DefaultFailurePhrases = []string{
	"抱歉",
	"没有听懂",
	"没能理解",
	"无法理解",
	"没有理解",
	"请重试",
}

// DefaultPlaceholders are the values the service uses for "no intent".
var DefaultPlaceholders = []string{"UNKNOWN", "未知"}

// Config configures a Classifier. Empty slices select the defaults.
type Config struct {
	FailurePhrases []string `mapstructure:"failure_phrases"`
	Placeholders   []string `mapstructure:"placeholders"`
}

// Classifier maps raw responses to ClassifiedResults. It is safe for
// concurrent use; the phrase list can be swapped while running.
type Classifier struct {
	mu           sync.RWMutex
	phrases      []string
	placeholders []string
	logger       *slog.Logger
}

// New creates a Classifier from config.
func New(cfg Config) *Classifier {
	c := &Classifier{logger: slog.With("component", "classifier")}
	c.SetFailurePhrases(cfg.FailurePhrases)
	c.SetPlaceholders(cfg.Placeholders)
	return c
}

// SetFailurePhrases replaces the failure phrase list. Nil restores the defaults.
func (c *Classifier) SetFailurePhrases(phrases []string) {
	if len(phrases) == 0 {
		phrases = DefaultFailurePhrases
	}
	cleaned := compact(phrases)
	c.mu.Lock()
	c.phrases = cleaned
	c.mu.Unlock()
}

// SetPlaceholders replaces the reserved "unrecognized" values. Nil restores the defaults.
func (c *Classifier) SetPlaceholders(placeholders []string) {
	if len(placeholders) == 0 {
		placeholders = DefaultPlaceholders
	}
	cleaned := compact(placeholders)
	c.mu.Lock()
	c.placeholders = cleaned
	c.mu.Unlock()
}

// Classify parses raw and returns its canonical result. It never fails.
func (c *Classifier) Classify(raw message.RawResponse) message.ClassifiedResult {
	p := Parse(raw)
	if p.Shape == ShapeUnknown {
		c.logger.Debug("response matched no known shape", "bytes", len(raw))
	}
	result := c.ClassifyPayload(p)
	metrics.ClassificationsTotal.WithLabelValues(p.Shape.String(), strconv.FormatBool(result.IsUnderstood)).Inc()
	return result
}

// ClassifyPayload applies the understood rules to an already parsed payload.
func (c *Classifier) ClassifyPayload(p Payload) message.ClassifiedResult {
	result := message.ClassifiedResult{
		Transcript:     p.Transcript,
		TTSMessage:     p.TTSMessage,
		DeviceFeedback: p.DeviceFeedback,
		ErrorMessage:   p.ErrorMessage,
		AudioRef:       p.AudioRef,
	}
	if p.Shape != ShapeUnknown {
		result.Action = p.Action
		result.Object = p.Object
		result.Location = p.Location
		result.DeviceID = p.DeviceID
		result.Parameter = p.Parameter
	}
	result.IsUnderstood = c.understood(p.Shape, p.Error, result)
	return result
}

func (c *Classifier) understood(shape Shape, errFlag bool, r message.ClassifiedResult) bool {
	if errFlag {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, msg := range []string{r.TTSMessage, r.DeviceFeedback, r.ErrorMessage} {
		if msg == "" {
			continue
		}
		for _, phrase := range c.phrases {
			if strings.Contains(msg, phrase) {
				return false
			}
		}
	}

	if shape == ShapeUnknown {
		return false
	}
	return c.meaningful(r.Action) && c.meaningful(r.Object)
}

// meaningful reports whether v is non-empty and not a reserved placeholder.
// Caller must hold c.mu.
func (c *Classifier) meaningful(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, p := range c.placeholders {
		if strings.EqualFold(v, p) {
			return false
		}
	}
	return true
}

// DisplayText picks the text to show for a result: the TTS message, then the
// device feedback, then the error message, then fallback.
func DisplayText(r message.ClassifiedResult, fallback string) string {
	for _, s := range []string{r.TTSMessage, r.DeviceFeedback, r.ErrorMessage} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return fallback
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
