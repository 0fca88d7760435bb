package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
)

// StaticMessage is one canned message served by Static
type StaticMessage struct {
	Ref MessageRef
	// Attachments are base64-encoded, exactly as the HTTP API sends them
	Attachments []StaticAttachment
	// FetchErr, when set, is returned by FetchAttachments for this message
	FetchErr error
}

// StaticAttachment is a canned attachment in wire form
type StaticAttachment struct {
	FileName    string
	FileContent string
}

// Static is a deterministic in-memory Client. It backs tests and the
// offline demo mode.
type Static struct {
	AuthErr   error
	SearchErr error

	mu       sync.Mutex
	messages []StaticMessage
	searches int
	fetched  []string
}

// NewStatic creates a Static client serving messages in the given order
func NewStatic(messages ...StaticMessage) *Static {
	return &Static{messages: messages}
}

// Authenticate returns a fixed token unless AuthErr is set
func (s *Static) Authenticate(_ context.Context) (Session, error) {
	if s.AuthErr != nil {
		return Session{}, s.AuthErr
	}
	return Session{Token: "static-token"}, nil
}

// SearchUnseenInvoices returns the canned messages whose subject contains the criteria keyword
func (s *Static) SearchUnseenInvoices(_ context.Context, _ Session, criteria Criteria) ([]MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches++

	if s.SearchErr != nil {
		return nil, s.SearchErr
	}

	keyword := strings.ToLower(criteria.Subject)
	refs := make([]MessageRef, 0, len(s.messages))
	for _, m := range s.messages {
		if keyword != "" && !strings.Contains(strings.ToLower(m.Ref.Subject), keyword) {
			continue
		}
		refs = append(refs, m.Ref)
	}
	return refs, nil
}

// FetchAttachments decodes the canned attachments of ref
func (s *Static) FetchAttachments(_ context.Context, _ Session, ref MessageRef) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = append(s.fetched, ref.ID)

	for _, m := range s.messages {
		if m.Ref.ID != ref.ID {
			continue
		}
		if m.FetchErr != nil {
			return nil, m.FetchErr
		}
		raw := rawMessage{ID: m.Ref.ID, Subject: m.Ref.Subject}
		for _, a := range m.Attachments {
			raw.Attachments = append(raw.Attachments, rawAttachment{FileName: a.FileName, FileContent: a.FileContent})
		}
		return decodeMessage(ref, raw), nil
	}
	return nil, fmt.Errorf("message %s not found", ref.ID)
}

// Searches reports how many searches were made
func (s *Static) Searches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches
}

// Fetched returns the ids of every fetched message, in call order
func (s *Static) Fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetched...)
}

// EncodeAttachment builds a StaticAttachment from raw bytes
func EncodeAttachment(filename string, data []byte) StaticAttachment {
	return StaticAttachment{FileName: filename, FileContent: base64.StdEncoding.EncodeToString(data)}
}

// Demo returns the offline stand-in mailbox: two unread invoice messages,
// each carrying a one-page PDF.
func Demo() *Static {
	att := StaticAttachment{FileName: "fatura.pdf", FileContent: demoInvoicePDF}
	return NewStatic(
		StaticMessage{Ref: MessageRef{ID: "msg-001", Subject: "Nota Fiscal de Serviço"}, Attachments: []StaticAttachment{att}},
		StaticMessage{Ref: MessageRef{ID: "msg-002", Subject: "Nota Fiscal de Serviço"}, Attachments: []StaticAttachment{att}},
	)
}

// demoInvoicePDF is a minimal PDF whose single page reads "Nota Fiscal Teste"
const demoInvoicePDF = "JVBERi0xLjQNCiW0vuWgNCjEIDAgb2JqDQo8PA0KL1R5cGUgL0NhdGFsb2cNCi9QYWdlcyAyIDAgUg0KPj4NCmVuZG9iag0KMiAwIG9iag0KPDwNCi9UeXBlIC9QYWdlcw0KL0tpZHMgWzMgMCBSXQ0KL0NvdW50IDENCj4+DQplbmRvYWoNCjMgMCBvYmoNCjw8DQovVHlwZSAvUGFnZQ0KL1BhcmVudCAyIDAgUg0KL01lZGlhQm94IFswIDAgNjEyIDc5Ml0NCi9SZXNvdXJjZXMgPDwNCi9Gb250IDw8DQovRjEgNCAwIFINCj4+DQo+Pg0KL0NvbnRlbnRzIDUgMCBSDQo+Pg0KZW5kb2JqDQo0IDAgb2JqDQo8PA0KL1R5cGUgL0ZvbnQNCi9TdWJ0eXBlIC9UeXBlMQ0KL0Jhc2VGb250IC9IZWx2ZXRpY2ENCj4+DQplbmRvYWoNCjUgMCBvYmoNCjw8IC9MZW5ndGggNDQgPj4NCnN0cmVhbQ0KQlQNCjcwIDcwIFREDQovRjEgMjQgVGYNCihOb3RhIEZpc2NhbCBUZXN0ZSkgVGoNCkVUDQplbmRzdHJlYW0NCmVuZG9iag0KeHJlZg0KMCA2DQowMDAwMDAwMDAwIDY1NTM1IGYNCjAwMDAwMDAwMTAgMDAwMDAgbg0KMDAwMDAwMDA2MCAwMDAwMCBuDQowMDAwMDAwMTU3IDAwMDAwIG4NCjAwMDAwMDAzMDIgMDAwMDAgbg0KMDAwMDAwMDM4OSAwMDAwMCBuDQp0cmFpbGVyDQo8PA0KL1NpemUgNg0KL1Jvb3QgMSAwIFINCj4+DQpzdGFydHhyZWYNCjQ4Mw0KJSVFT0Y="
