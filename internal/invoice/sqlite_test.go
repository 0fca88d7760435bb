package invoice

import (
	"context"
	"database/sql"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SQLiteRepository", func() {
	storeBehavior(func(dir string) (Store, error) {
		return NewSQLiteRepository(filepath.Join(dir, "data", "invoices.db"))
	})

	When("the database predates message tracking", func() {
		var path string

		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "legacy.db")
			db, err := sql.Open("sqlite", path)
			Expect(err).NotTo(HaveOccurred())
			_, err = db.Exec(`CREATE TABLE invoices (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				cnpj_emitente TEXT,
				nome_emitente TEXT,
				numero_nota TEXT,
				data_emissao TEXT,
				valor_total REAL,
				resumo_servico TEXT,
				file_path TEXT,
				processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`)
			Expect(err).NotTo(HaveOccurred())
			_, err = db.Exec(`INSERT INTO invoices (cnpj_emitente, valor_total, file_path, processed_at)
				VALUES ('11222333000181', 99.9, 'old.pdf', '2023-01-02 03:04:05')`)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.Close()).To(Succeed())
		})

		It("adds the missing column and keeps existing rows readable", func() {
			repo, err := NewSQLiteRepository(path)
			Expect(err).NotTo(HaveOccurred())
			defer repo.Close()

			records, err := repo.QueryAll(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].FilePath).To(Equal("old.pdf"))
			Expect(records[0].SourceMessageID).To(BeEmpty())
			Expect(records[0].ProcessedAt.Year()).To(Equal(2023))

			rec, err := repo.Save(context.Background(), completeSchema(), StoredFile{Path: "new.pdf"}, "msg-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.SourceMessageID).To(Equal("msg-1"))
		})
	})
})
