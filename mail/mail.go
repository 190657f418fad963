// Package mail implements a persistent outbound mail queue. Messages are
// composed into a storage collection and flushed later: a flush attempts
// every message that has not previously failed, records failures on the
// message, and deletes what was sent. Actual delivery is behind the Sender
// interface; SMTP specifics stay out of this package.
package mail

import (
	"context"
	"time"
)

// Message is one queued outbound mail, persisted as a JSON document.
// LastError deliberately never omits: an empty value marks the message as
// not-yet-failed, which is what the flush filter selects on.
type Message struct {
	UUID         string    `json:"uuid"`
	DateQueued   time.Time `json:"dateQueued"`
	From         string    `json:"from,omitempty"`
	To           []string  `json:"to"`
	CC           []string  `json:"cc,omitempty"`
	BCC          []string  `json:"bcc,omitempty"`
	Subject      string    `json:"subject"`
	TextBody     string    `json:"textBody,omitempty"`
	HTMLBody     string    `json:"htmlBody,omitempty"`
	SendAttempts int       `json:"sendAttempts"`
	LastError    string    `json:"lastError"`
}

// Sender delivers one message. Implementations wrap whatever outbound
// transport the deployment uses.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg *Message) error

func (f SenderFunc) Send(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// FlushResult summarizes one queue flush.
type FlushResult struct {
	Sent   []string `json:"sent"`
	Failed []string `json:"failed"`
}
