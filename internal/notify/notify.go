// Package notify delivers key discovery alerts. Delivery is best effort and
// runs off the request path; a failed alert is logged and counted, never
// returned to the reporter.
package notify

import (
	"context"
	"fmt"
	"time"
)

// KeyFound is the alert payload. It never carries the discovered key.
type KeyFound struct {
	EventID     string    `json:"event_id"`
	Puzzle      string    `json:"puzzle"`
	Worker      string    `json:"worker"`
	User        string    `json:"user"`
	RangeID     string    `json:"range_id,omitempty"`
	PrefixStart string    `json:"prefix_start,omitempty"`
	PrefixEnd   string    `json:"prefix_end,omitempty"`
	ReportedAt  time.Time `json:"reported_at"`
}

// Message renders the alert as Telegram Markdown.
func (k KeyFound) Message() string {
	return fmt.Sprintf("*Key Found!*\nWorker: `%s`\nPuzzle: `%s`\nRange: `%s-%s`",
		k.Worker, k.Puzzle, k.PrefixStart, k.PrefixEnd)
}

// Sender delivers one alert to one destination.
type Sender interface {
	Name() string
	Send(ctx context.Context, k KeyFound) error
}

// Notifier accepts alerts without blocking the caller.
type Notifier interface {
	Notify(k KeyFound)
}

// Nop discards every alert.
type Nop struct{}

func (Nop) Notify(KeyFound) {}
