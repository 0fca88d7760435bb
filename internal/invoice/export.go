package invoice

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Notas Fiscais"

var exportHeaders = []string{
	"ID",
	"CNPJ Emitente",
	"Nome Emitente",
	"Número da Nota",
	"Data de Emissão",
	"Valor Total",
	"Resumo do Serviço",
	"Status",
	"Arquivo",
	"Processado em",
}

// ExportXLSX renders records as a single-sheet XLSX workbook
func ExportXLSX(records []*Record) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return nil, fmt.Errorf("writing header: %w", err)
		}
	}

	for i, r := range records {
		row := i + 2
		values := []any{
			r.ID,
			deref(r.CNPJEmitente),
			deref(r.NomeEmitente),
			deref(r.NumeroNota),
			deref(r.DataEmissao),
			nil,
			deref(r.ResumoServico),
			string(r.Status()),
			r.FilePath,
			r.ProcessedAt.Format("2006-01-02 15:04:05"),
		}
		if r.ValorTotal != nil {
			values[5] = *r.ValorTotal
		}
		for col, v := range values {
			if v == nil {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return nil, fmt.Errorf("writing row %d: %w", row, err)
			}
		}
	}

	for _, w := range []struct {
		col   string
		width float64
	}{{"B", 18}, {"C", 30}, {"G", 40}, {"I", 40}} {
		if err := f.SetColWidth(exportSheet, w.col, w.col, w.width); err != nil {
			return nil, fmt.Errorf("sizing column %s: %w", w.col, err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("encoding workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
