package ocr

import (
	"context"
	"errors"
	"image"
	"os"
	"strings"
	"unicode/utf8"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeRunner struct {
	stdout []byte
	stderr []byte
	err    error

	name        string
	args        [][]string
	inputExists bool
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.name = name
	r.args = append(r.args, args)
	if len(args) > 0 {
		_, statErr := os.Stat(args[0])
		r.inputExists = statErr == nil
	}
	return r.stdout, r.stderr, r.err
}

var _ = Describe("Tesseract", func() {
	var (
		runner *fakeRunner
		engine *Tesseract
		tmpDir string
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		runner = &fakeRunner{stdout: []byte("NOTA FISCAL DE SERVIÇO\n\n  Valor Total: R$ 150,00  \n")}
		engine = NewTesseract(TesseractConfig{Binary: "/usr/bin/tesseract", TempDir: tmpDir, Runner: runner})
	})

	Describe("Recognize", func() {
		var (
			fragments []string
			err       error
		)

		JustBeforeEach(func() {
			fragments, err = engine.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 2, 2)))
		})

		It("runs tesseract in Portuguese single-block mode", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(runner.name).To(Equal("/usr/bin/tesseract"))
			Expect(runner.args[0][1:]).To(Equal([]string{"stdout", "-l", "por", "--psm", "6"}))
		})

		It("hands tesseract a page file and removes it afterwards", func() {
			Expect(runner.inputExists).To(BeTrue())
			Expect(runner.args[0][0]).NotTo(BeAnExistingFile())
		})

		It("returns the non-empty lines", func() {
			Expect(fragments).To(Equal([]string{"NOTA FISCAL DE SERVIÇO", "Valor Total: R$ 150,00"}))
		})

		When("tesseract fails", func() {
			BeforeEach(func() {
				runner.err = errors.New("exit status 1")
				runner.stderr = []byte("Failed loading language 'por'")
			})

			It("returns the error with stderr", func() {
				Expect(err).To(MatchError(ContainSubstring("Failed loading language")))
			})
		})
	})

	Describe("LoadTesseract", func() {
		It("checks the binary before returning the engine", func() {
			runner.stdout = []byte("tesseract 5.3.0\n leptonica-1.82.0\n")
			e, err := LoadTesseract(TesseractConfig{Runner: runner})(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(e).NotTo(BeNil())
			Expect(runner.name).To(Equal("tesseract"))
			Expect(runner.args[0]).To(Equal([]string{"--version"}))
		})

		It("fails when the binary is missing", func() {
			runner.err = errors.New("executable file not found")
			_, err := LoadTesseract(TesseractConfig{Runner: runner})(context.Background())
			Expect(err).To(MatchError(ContainSubstring("executable file not found")))
		})
	})
})

var _ = Describe("truncate", func() {
	It("leaves short text alone", func() {
		Expect(truncate("NOTA FISCAL", 64)).To(Equal("NOTA FISCAL"))
	})

	It("never splits a multi-byte character", func() {
		s := strings.Repeat("ção", 20)
		for max := 1; max < len(s); max++ {
			out := truncate(s, max)
			Expect(utf8.ValidString(out)).To(BeTrue(), "max %d gave %q", max, out)
			Expect(len(strings.TrimSuffix(out, "...(truncated)"))).To(BeNumerically("<=", max))
		}
	})

	It("backs up to the start of the cut character", func() {
		Expect(truncate("não", 2)).To(Equal("n...(truncated)"))
	})
})
