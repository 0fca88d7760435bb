package mailbox

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-automator/internal/invoice"
)

var _ = Describe("Static", func() {
	var (
		client *Static
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = NewStatic(
			StaticMessage{
				Ref:         MessageRef{ID: "m1", Subject: "Nota Fiscal 1"},
				Attachments: []StaticAttachment{EncodeAttachment("a.pdf", []byte("%PDF-a"))},
			},
			StaticMessage{
				Ref: MessageRef{ID: "m2", Subject: "Newsletter"},
			},
			StaticMessage{
				Ref:      MessageRef{ID: "m3", Subject: "nota fiscal 3"},
				FetchErr: invoice.ErrTransientNetwork,
			},
		)
	})

	It("filters by subject keyword, case-insensitively", func() {
		refs, err := client.SearchUnseenInvoices(ctx, Session{}, InvoiceCriteria("Nota Fiscal"))
		Expect(err).NotTo(HaveOccurred())
		Expect(refs).To(Equal([]MessageRef{
			{ID: "m1", Subject: "Nota Fiscal 1"},
			{ID: "m3", Subject: "nota fiscal 3"},
		}))
		Expect(client.Searches()).To(Equal(1))
	})

	It("decodes canned attachments", func() {
		msg, err := client.FetchAttachments(ctx, Session{}, MessageRef{ID: "m1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Attachments).To(HaveLen(1))
		Expect(string(msg.Attachments[0].Data)).To(Equal("%PDF-a"))
		Expect(client.Fetched()).To(Equal([]string{"m1"}))
	})

	It("returns programmed fetch errors", func() {
		_, err := client.FetchAttachments(ctx, Session{}, MessageRef{ID: "m3"})
		Expect(err).To(MatchError(invoice.ErrTransientNetwork))
	})

	It("returns programmed auth errors", func() {
		client.AuthErr = errors.New("nope")
		_, err := client.Authenticate(ctx)
		Expect(err).To(MatchError("nope"))
	})

	Describe("Demo", func() {
		It("serves two invoice messages with a PDF each", func() {
			demo := Demo()
			refs, err := demo.SearchUnseenInvoices(ctx, Session{}, InvoiceCriteria("Nota Fiscal"))
			Expect(err).NotTo(HaveOccurred())
			Expect(refs).To(HaveLen(2))

			msg, err := demo.FetchAttachments(ctx, Session{}, refs[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Attachments).To(HaveLen(1))
			Expect(string(msg.Attachments[0].Data[:5])).To(Equal("%PDF-"))
		})
	})
})
