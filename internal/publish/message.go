package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joescharf/reposync/internal/treediff"
)

// DefaultMessage is used when no commit message is configured.
const DefaultMessage = "Sync from editor"

// Messenger writes the commit message for a mutation set.
type Messenger interface {
	Message(ctx context.Context, set *treediff.MutationSet) string
}

// StaticMessage always returns the same message.
type StaticMessage string

// Message implements Messenger.
func (m StaticMessage) Message(context.Context, *treediff.MutationSet) string {
	if m == "" {
		return DefaultMessage
	}
	return string(m)
}

// Summarizer writes a one-line description of a list of changes.
type Summarizer interface {
	SummarizeChanges(ctx context.Context, changes []string) (string, error)
}

// SummaryMessenger asks a Summarizer for the subject line and lists the
// changes in the body. It falls back to Fallback when summarizing fails.
type SummaryMessenger struct {
	Summarizer Summarizer
	Fallback   Messenger
	Logger     *slog.Logger
}

// Message implements Messenger.
func (m *SummaryMessenger) Message(ctx context.Context, set *treediff.MutationSet) string {
	fallback := m.Fallback
	if fallback == nil {
		fallback = StaticMessage("")
	}
	changes := set.Summary()
	subject, err := m.Summarizer.SummarizeChanges(ctx, changes)
	if err != nil || strings.TrimSpace(subject) == "" {
		if err != nil && m.Logger != nil {
			m.Logger.Warn("commit message summary failed", "error", err)
		}
		return fallback.Message(ctx, set)
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(subject))
	sb.WriteString("\n\n")
	for _, c := range changes {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	return sb.String()
}
