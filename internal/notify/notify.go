// Package notify tells humans when runs finish.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string  // Optional run reference
	Fields  []Field // Short key/value facts about the run
	Time    time.Time
}

// Field is one key/value fact shown next to the message
type Field struct {
	Title string
	Value string
}

// RunFinished builds the notification for a run in a terminal status
func RunFinished(run *domain.Run) Notification {
	n := Notification{RunID: run.ID, Time: time.Now()}
	if run.CompletedAt != nil {
		n.Time = *run.CompletedAt
	}

	succeeded, failed := 0, 0
	for _, j := range run.Jobs {
		switch j.Phase {
		case domain.JobSucceeded:
			succeeded++
		case domain.JobFailed:
			failed++
		}
	}

	switch run.Status {
	case domain.RunCompleted:
		n.Type = NotifySuccess
		n.Title = "Run completed"
		n.Message = fmt.Sprintf("%d of %d variations succeeded", succeeded, run.VariationCount)
	case domain.RunCancelled:
		n.Type = NotifyWarning
		n.Title = "Run cancelled"
		n.Message = fmt.Sprintf("%d variations stopped", run.VariationCount)
	default:
		n.Type = NotifyError
		n.Title = "Run failed"
		n.Message = run.Error
	}

	if run.Provider != "" {
		n.Fields = append(n.Fields, Field{Title: "Provider", Value: run.Provider})
	}
	if run.SourceRef != "" {
		n.Fields = append(n.Fields, Field{Title: "Source", Value: run.SourceRef})
	}
	n.Fields = append(n.Fields,
		Field{Title: "Succeeded", Value: strconv.Itoa(succeeded)},
		Field{Title: "Failed", Value: strconv.Itoa(failed)},
	)
	if run.CompletedAt != nil && run.StartedAt != nil {
		d := run.CompletedAt.Sub(*run.StartedAt).Round(time.Second)
		n.Message += fmt.Sprintf(" (%s)", d)
		n.Fields = append(n.Fields, Field{Title: "Duration", Value: d.String()})
	}
	return n
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers, even when one of them fails
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }
