package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Notifier delivers operator-facing messages. Callers log failures and carry
// on; a lost notification never blocks trading.
type Notifier interface {
	Send(ctx context.Context, subject, message string) error
}

// Log writes notifications to the structured logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(ctx context.Context, subject, message string) error {
	l.logger.InfoContext(ctx, "notification", "subject", subject, "message", message)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, subject, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, subject, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Message struct {
	Subject string
	Body    string
}

// Memory keeps notifications for inspection.
type Memory struct {
	mu       sync.Mutex
	messages []Message
}

func (m *Memory) Send(ctx context.Context, subject, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{Subject: subject, Body: message})
	return nil
}

func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}
