package invoice

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type sequenceSuffix struct {
	values []string
	i      int
}

func (s *sequenceSuffix) Generate() string {
	v := s.values[s.i%len(s.values)]
	s.i++
	return v
}

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		suffix  *sequenceSuffix
		storage *LocalStorage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		suffix = &sequenceSuffix{values: []string{"aaaa1111"}}
		var err error
		storage, err = NewLocalStorageWithSuffix(tmpDir, suffix)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Persist", func() {
		var (
			messageID string
			filename  string
			data      []byte
			stored    StoredFile
			err       error
		)

		BeforeEach(func() {
			messageID = "msg-001"
			filename = "fatura.pdf"
			data = []byte("%PDF-1.4 fake")
		})

		JustBeforeEach(func() {
			stored, err = storage.Persist(messageID, filename, data)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("derives the path from the message id and suffix", func() {
				Expect(stored.Path).To(Equal("nota_msg-001_aaaa1111_fatura.pdf"))
			})

			It("should save the file to disk", func() {
				Expect(filepath.Join(tmpDir, stored.Path)).To(BeAnExistingFile())
			})

			It("records the original name, size and content type", func() {
				Expect(stored.Filename).To(Equal("fatura.pdf"))
				Expect(stored.Size).To(Equal(int64(len(data))))
				Expect(stored.ContentType).To(Equal("application/pdf"))
			})
		})

		When("the filename has unsafe characters", func() {
			BeforeEach(func() {
				messageID = "../etc"
				filename = "../../Nota Fiscal (março).PDF"
			})

			It("keeps the file inside the storage root", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.Path).To(Equal("nota_etc_aaaa1111_Nota_Fiscal_maro.pdf"))
				Expect(filepath.Join(tmpDir, stored.Path)).To(BeAnExistingFile())
			})
		})

		When("the generated path already exists", func() {
			BeforeEach(func() {
				suffix.values = []string{"aaaa1111", "bbbb2222"}
				existing := filepath.Join(tmpDir, "nota_msg-001_aaaa1111_fatura.pdf")
				Expect(os.WriteFile(existing, []byte("original"), 0644)).To(Succeed())
			})

			It("never overwrites the existing file", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.Path).To(Equal("nota_msg-001_bbbb2222_fatura.pdf"))
				original, readErr := os.ReadFile(filepath.Join(tmpDir, "nota_msg-001_aaaa1111_fatura.pdf"))
				Expect(readErr).NotTo(HaveOccurred())
				Expect(string(original)).To(Equal("original"))
			})
		})

		When("every candidate path is taken", func() {
			BeforeEach(func() {
				existing := filepath.Join(tmpDir, "nota_msg-001_aaaa1111_fatura.pdf")
				Expect(os.WriteFile(existing, []byte("original"), 0644)).To(Succeed())
			})

			It("returns an IO error", func() {
				Expect(err).To(MatchError(ErrIO))
			})
		})
	})

	Describe("Open", func() {
		var (
			path string
			data []byte
			err  error
		)

		JustBeforeEach(func() {
			data, err = storage.Open(path)
		})

		When("file exists", func() {
			BeforeEach(func() {
				stored, saveErr := storage.Persist("msg-1", "nota.png", []byte("test file content"))
				Expect(saveErr).NotTo(HaveOccurred())
				path = stored.Path
			})

			It("should return the correct file data", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("test file content"))
			})
		})

		When("file does not exist", func() {
			BeforeEach(func() {
				path = "nonexistent.pdf"
			})

			It("returns a not found error", func() {
				Expect(err).To(MatchError(ErrNotFound))
			})
		})

		When("the path escapes the storage root", func() {
			BeforeEach(func() {
				path = "../secret"
			})

			It("returns a not found error", func() {
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})
})
