// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"context"
	"time"

	"grimm.is/flowguard/internal/scoring"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// LevelFor maps a classification to an alert severity.
func LevelFor(c scoring.Classification) AlertLevel {
	switch c {
	case scoring.Attack:
		return LevelCritical
	case scoring.Suspect:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// AlertEvent represents one verdict routed to the alert channels.
type AlertEvent struct {
	ID        string          `json:"id"`
	Message   string          `json:"message"`
	Severity  AlertLevel      `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
	Verdict   scoring.Verdict `json:"verdict"`
}

// Channel delivers alert events somewhere. Send is called from the engine's
// single delivery goroutine; implementations need not be concurrency safe
// unless shared.
type Channel interface {
	Name() string
	Send(ctx context.Context, event AlertEvent) error
	Close() error
}

// Sink accepts verdicts without blocking. It reports whether the verdict was
// queued.
type Sink interface {
	Emit(v scoring.Verdict) bool
}

var _ Sink = (*Engine)(nil)

// Enricher annotates events before delivery.
type Enricher interface {
	Enrich(event *AlertEvent)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(event *AlertEvent)

func (f EnricherFunc) Enrich(event *AlertEvent) { f(event) }
