package invoice

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// storeBehavior describes what every Store backend must do
func storeBehavior(open func(dir string) (Store, error)) {
	var (
		ctx   context.Context
		store Store
		file  StoredFile
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		store, err = open(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		file = StoredFile{Path: "nota_msg-1_aaaa1111_fatura.pdf", Filename: "fatura.pdf"}
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	Describe("Save", func() {
		var (
			rec *Record
			err error
		)

		JustBeforeEach(func() {
			rec, err = store.Save(ctx, completeSchema(), file, "msg-1")
		})

		It("assigns an id and a processing time", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.ID).To(BeNumerically(">", 0))
			Expect(rec.ProcessedAt).NotTo(BeZero())
		})

		It("round-trips every field", func() {
			got, getErr := store.Get(ctx, rec.ID)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(got.Schema).To(Equal(completeSchema()))
			Expect(got.FilePath).To(Equal(file.Path))
			Expect(got.SourceMessageID).To(Equal("msg-1"))
			Expect(got.Status()).To(Equal(StatusOK))
		})
	})

	When("a schema has null fields", func() {
		It("stores them as null", func() {
			rec, err := store.Save(ctx, Schema{NomeEmitente: strp("Sem CNPJ")}, file, "")
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.CNPJEmitente).To(BeNil())
			Expect(got.ValorTotal).To(BeNil())
			Expect(*got.NomeEmitente).To(Equal("Sem CNPJ"))
			Expect(got.Status()).To(Equal(StatusPending))
		})
	})

	Describe("QueryAll", func() {
		When("the repository is empty", func() {
			It("returns an empty list", func() {
				records, err := store.QueryAll(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(records).NotTo(BeNil())
				Expect(records).To(BeEmpty())
			})
		})

		When("several records were saved", func() {
			var ids []int64

			BeforeEach(func() {
				ids = nil
				for _, msg := range []string{"a", "b", "c"} {
					rec, err := store.Save(ctx, completeSchema(), file, msg)
					Expect(err).NotTo(HaveOccurred())
					ids = append(ids, rec.ID)
				}
			})

			It("returns them newest first", func() {
				records, err := store.QueryAll(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(records).To(HaveLen(3))
				Expect(records[0].ID).To(Equal(ids[2]))
				Expect(records[1].ID).To(Equal(ids[1]))
				Expect(records[2].ID).To(Equal(ids[0]))
				Expect(records[0].ProcessedAt).NotTo(BeTemporally("<", records[2].ProcessedAt))
			})
		})
	})

	Describe("Get", func() {
		When("the id does not exist", func() {
			It("returns a not found error", func() {
				_, err := store.Get(ctx, 999)
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("Ledger", func() {
		It("remembers processed message ids", func() {
			seen, err := store.IsProcessed(ctx, "msg-9")
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(BeFalse())

			Expect(store.MarkProcessed(ctx, "msg-9")).To(Succeed())
			Expect(store.MarkProcessed(ctx, "msg-9")).To(Succeed())

			seen, err = store.IsProcessed(ctx, "msg-9")
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(BeTrue())
		})
	})
}

var _ = Describe("Open", func() {
	It("rejects unknown drivers", func() {
		_, err := Open("postgres", filepath.Join(GinkgoT().TempDir(), "x.db"))
		Expect(err).To(HaveOccurred())
	})

	It("defaults to sqlite", func() {
		store, err := Open("", filepath.Join(GinkgoT().TempDir(), "x.db"))
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()
		Expect(store).To(BeAssignableToTypeOf(&SQLiteRepository{}))
	})
})
