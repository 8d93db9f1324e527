// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import "log/slog"

// EventType identifies an engine notification.
type EventType string

const (
	EventPingSynced       EventType = "ping_synced"
	EventPingSkipped      EventType = "ping_skipped"
	EventMutationRejected EventType = "mutation_rejected"
	EventAuthDegraded     EventType = "auth_degraded"
)

// Event is a best-effort notification for observers (UI refresh, badges).
type Event struct {
	Type       EventType
	EntityType string
	EntityID   string
	PingID     int64
	Reason     string
}

// notifier fans events out on a bounded channel. Publishing never blocks:
// when no observer keeps up, events are dropped so sync progress is never
// held hostage by a slow subscriber.
type notifier struct {
	ch     chan Event
	logger *slog.Logger
}

func newNotifier(buffer int, logger *slog.Logger) *notifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &notifier{ch: make(chan Event, buffer), logger: logger}
}

func (n *notifier) events() <-chan Event {
	return n.ch
}

func (n *notifier) publish(ev Event) {
	select {
	case n.ch <- ev:
	default:
		n.logger.Debug("Dropped engine event: observer not keeping up", "type", ev.Type)
	}
}
