package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/zombor/invoice-automator/internal/invoice"
)

// DefaultFolder is the only folder searched for invoices
const DefaultFolder = "Inbox"

// Session is an authenticated mailbox session
type Session struct {
	Token string
}

// MessageRef identifies a message returned by a search
type MessageRef struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
}

// Attachment is a decoded message attachment
type Attachment struct {
	Filename string
	Data     []byte
}

// Message is the result of fetching one message. Attachments that could not
// be decoded are listed in Rejected and are not part of Attachments.
type Message struct {
	Ref         MessageRef
	Attachments []Attachment
	Rejected    []*DecodeError
}

// Criteria selects the messages a search returns
type Criteria struct {
	Folder  string
	Unread  bool
	Subject string
}

// InvoiceCriteria returns the fixed invoice search: unread Inbox messages whose subject contains keyword
func InvoiceCriteria(keyword string) Criteria {
	return Criteria{Folder: DefaultFolder, Unread: true, Subject: keyword}
}

// Client retrieves invoice-bearing messages from a mail service.
// Implementations never mark messages as read or delete them.
type Client interface {
	// Authenticate exchanges credentials for a session token
	Authenticate(ctx context.Context) (Session, error)

	// SearchUnseenInvoices lists matching messages in server order
	SearchUnseenInvoices(ctx context.Context, session Session, criteria Criteria) ([]MessageRef, error)

	// FetchAttachments resolves and decodes all attachments of one message
	FetchAttachments(ctx context.Context, session Session, ref MessageRef) (*Message, error)
}

// DecodeError reports an attachment whose transport encoding was malformed
type DecodeError struct {
	Filename string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding attachment %q: %v", e.Filename, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{invoice.ErrDecode, e.Err}
}

// rawAttachment is the wire form of an attachment
type rawAttachment struct {
	FileName    string `json:"fileName"`
	FileContent string `json:"fileContent"`
}

// rawMessage is the wire form of a fetched message
type rawMessage struct {
	ID          string          `json:"id"`
	Subject     string          `json:"subject"`
	Attachments []rawAttachment `json:"attachments"`
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

func decodeAttachment(raw rawAttachment) (Attachment, *DecodeError) {
	if raw.FileName == "" {
		return Attachment{}, &DecodeError{Filename: raw.FileName, Err: errors.New("missing file name")}
	}
	if raw.FileContent == "" {
		return Attachment{}, &DecodeError{Filename: raw.FileName, Err: errors.New("empty file content")}
	}

	// Some servers wrap long payloads across lines.
	content := strings.Join(strings.Fields(raw.FileContent), "")

	var lastErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(content)
		if err == nil {
			return Attachment{Filename: raw.FileName, Data: data}, nil
		}
		lastErr = err
	}
	return Attachment{}, &DecodeError{Filename: raw.FileName, Err: lastErr}
}

func decodeMessage(ref MessageRef, raw rawMessage) *Message {
	msg := &Message{Ref: ref}
	if raw.Subject != "" {
		msg.Ref.Subject = raw.Subject
	}
	for _, a := range raw.Attachments {
		att, derr := decodeAttachment(a)
		if derr != nil {
			msg.Rejected = append(msg.Rejected, derr)
			continue
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	return msg
}
