package connector

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/taskpilot/pkg/schema"
)

// OTP defaults applied when a query leaves them empty.
const (
	DefaultCodePattern = `\b(\d{6})\b`
	DefaultCodeWindow  = 15 * time.Minute
)

// Message is one mailbox message as seen by the code extractor.
type Message struct {
	ID       string
	From     string
	Received time.Time
	Body     string
}

// MessageSource lists messages received at or after since, newest first.
type MessageSource interface {
	Messages(ctx context.Context, since time.Time) ([]Message, error)
}

// MailboxCodes extracts one-time codes from a message source.
type MailboxCodes struct {
	source MessageSource
	now    func() time.Time
}

// NewMailboxCodes creates a CodeFetcher over source.
func NewMailboxCodes(source MessageSource) *MailboxCodes {
	return &MailboxCodes{source: source, now: time.Now}
}

// FetchCode scans messages inside the query window, newest first, and
// returns the first pattern match from a sender containing SenderFilter.
func (m *MailboxCodes) FetchCode(ctx context.Context, q CodeQuery) (*Evidence, error) {
	pattern := q.Pattern
	if pattern == "" {
		pattern = DefaultCodePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid code pattern %q: %s", pattern, err.Error())
	}
	window := q.Window
	if window <= 0 {
		window = DefaultCodeWindow
	}
	cutoff := m.now().Add(-window)

	msgs, err := m.source.Messages(ctx, cutoff)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConnector, "list messages: %s", err.Error()).WithCause(err)
	}

	filter := strings.ToLower(q.SenderFilter)
	for _, msg := range msgs {
		if msg.Received.Before(cutoff) {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(msg.From), filter) {
			continue
		}
		match := re.FindStringSubmatch(msg.Body)
		if match == nil {
			continue
		}
		code := match[0]
		if len(match) > 1 {
			code = match[1]
		}
		return NewEvidence("mailbox", map[string]any{
			"code":       code,
			"message_id": msg.ID,
			"from":       msg.From,
			"received":   msg.Received.Format(time.RFC3339),
		}), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeCodeNotFound,
		"no code from %q in the last %s", q.SenderFilter, window)
}

var _ CodeFetcher = (*MailboxCodes)(nil)
