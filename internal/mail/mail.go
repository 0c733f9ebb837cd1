// Package mail defines the outbound notification transport consumed by
// the alert dispatcher and the delivery pipeline, plus its SMTP
// implementation. Transport acceptance is not proof of final delivery;
// it only means the relay took the message.
package mail

import "context"

// Attachment is an optional file carried by a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one outbound email.
type Message struct {
	To  []string
	Cc  []string
	Bcc []string

	Subject  string
	HTMLBody string

	Attachment *Attachment
}

// RecipientCount returns the number of envelope recipients.
func (m Message) RecipientCount() int { return len(m.To) + len(m.Cc) + len(m.Bcc) }

// Transport sends messages. Implementations must honor ctx cancellation
// and return an error when the relay rejects the message.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}
