package invoice

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/xuri/excelize/v2"
)

var _ = Describe("ExportXLSX", func() {
	It("writes a header row and one row per record", func() {
		records := []*Record{
			{ID: 2, Schema: completeSchema(), FilePath: "b.pdf", ProcessedAt: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)},
			{ID: 1, Schema: Schema{NomeEmitente: strp("Sem CNPJ")}, FilePath: "a.pdf", ProcessedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		}

		data, err := ExportXLSX(records)
		Expect(err).NotTo(HaveOccurred())

		f, err := excelize.OpenReader(bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()

		rows, err := f.GetRows("Notas Fiscais")
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(3))
		Expect(rows[0][0]).To(Equal("ID"))
		Expect(rows[1][1]).To(Equal("12345678000199"))
		Expect(rows[1][7]).To(Equal("OK"))
		Expect(rows[2][2]).To(Equal("Sem CNPJ"))
		Expect(rows[2][5]).To(BeEmpty())
		Expect(rows[2][7]).To(Equal("PENDING"))

		width, err := f.GetColWidth("Notas Fiscais", "C")
		Expect(err).NotTo(HaveOccurred())
		Expect(width).To(Equal(30.0))
	})

	It("produces a workbook with only headers when there are no records", func() {
		data, err := ExportXLSX(nil)
		Expect(err).NotTo(HaveOccurred())

		f, err := excelize.OpenReader(bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()

		rows, err := f.GetRows("Notas Fiscais")
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
	})
})
