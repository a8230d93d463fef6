package feedback

import (
	"context"
	"time"
)

// DefaultTypingInterval is the delay between revealed characters.
const DefaultTypingInterval = 70 * time.Millisecond

// Typewriter reveals text progressively, one rune at a time.
type Typewriter struct {
	Interval time.Duration
}

// Reveal calls emit with each growing prefix of text, ending with the full
// text. It returns ctx.Err() if cancelled before the text is complete.
func (t Typewriter) Reveal(ctx context.Context, text string, emit func(prefix string)) error {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 1; i <= len(runes); i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		emit(string(runes[:i]))
	}
	return nil
}
