package data

import (
	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/events"
)

// Attach streams bus audit events into the on-disk audit log. Publishers use
// map payloads; the component and action keys are lifted out when present so
// the log stays grep-able.
func (s *Store) Attach(bus *events.Bus) *events.Subscription {
	return bus.Subscribe(func(ev events.Event) {
		entry := AuditEntry{
			Time:   ev.Timestamp,
			Broker: ev.Broker,
			Pair:   ev.Pair,
			Action: string(ev.Type),
			Detail: ev.Payload,
		}
		switch body := ev.Payload.(type) {
		case map[string]string:
			if v := body["component"]; v != "" {
				entry.Component = v
			}
			if v := body["action"]; v != "" {
				entry.Action = v
			}
		case map[string]any:
			if v, ok := body["component"].(string); ok && v != "" {
				entry.Component = v
			}
			if v, ok := body["event"].(string); ok && v != "" {
				entry.Action = v
			}
		}
		if entry.Component == "" {
			entry.Component = "engine"
		}
		if err := s.AppendAudit(entry); err != nil {
			s.logger.Warn("audit append failed", zap.Error(err))
		}
	}, events.TypeAudit)
}
