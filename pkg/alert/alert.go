// Package alert notifies operators about events that need a human, such as
// outbox events that exhausted their delivery attempts.
package alert

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Alert is a single operator notification.
type Alert struct {
	Title  string
	Fields map[string]string
}

type Alerter interface {
	Notify(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts as error-level log lines.
type LogAlerter struct {
	log *zap.Logger
}

func NewLogAlerter(log *zap.Logger) *LogAlerter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogAlerter{log: log}
}

func (l *LogAlerter) Notify(_ context.Context, a Alert) error {
	fields := make([]zap.Field, 0, len(a.Fields)+1)
	fields = append(fields, zap.Bool("alert", true))
	for _, k := range sortedKeys(a.Fields) {
		fields = append(fields, zap.String(k, a.Fields[k]))
	}
	l.log.Error(a.Title, fields...)
	return nil
}

// SentryAlerter reports alerts as sentry messages tagged with the alert fields.
type SentryAlerter struct {
	hub *sentry.Hub
}

// NewSentryAlerter initialises a dedicated sentry client for dsn.
func NewSentryAlerter(dsn, environment string) (*SentryAlerter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{Dsn: dsn, Environment: environment})
	if err != nil {
		return nil, err
	}
	return NewSentryAlerterWithHub(sentry.NewHub(client, sentry.NewScope())), nil
}

func NewSentryAlerterWithHub(hub *sentry.Hub) *SentryAlerter {
	return &SentryAlerter{hub: hub}
}

func (s *SentryAlerter) Notify(_ context.Context, a Alert) error {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		for k, v := range a.Fields {
			scope.SetTag(k, v)
		}
		s.hub.CaptureMessage(a.Title)
	})
	return nil
}

// Flush waits for buffered events to be sent.
func (s *SentryAlerter) Flush(timeout time.Duration) bool { return s.hub.Flush(timeout) }

// Multi fans an alert out to every alerter and joins their errors.
type Multi []Alerter

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
