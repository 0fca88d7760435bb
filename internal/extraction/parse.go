package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zombor/invoice-automator/internal/invoice"
)

// contractJSON is what the prompt asks the model for. Drift from it is
// logged, never rejected: status derivation already tolerates nulls.
const contractJSON = `{
	"type": "object",
	"required": ["cnpj_emitente", "nome_emitente", "numero_nota", "data_emissao", "valor_total", "resumo_servico"],
	"additionalProperties": false,
	"properties": {
		"cnpj_emitente": {"type": ["string", "null"], "pattern": "^[0-9]{14}$"},
		"nome_emitente": {"type": ["string", "null"]},
		"numero_nota": {"type": ["string", "null"]},
		"data_emissao": {"type": ["string", "null"], "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
		"valor_total": {"type": ["number", "null"]},
		"resumo_servico": {"type": ["string", "null"]}
	}
}`

var contract = jsonschema.MustCompileString("invoice-schema.json", contractJSON)

// parseSchema decodes a model response into a Schema. Anything that is not a
// JSON object is an ErrExtractionParse. Fields of the wrong JSON type become nil.
func parseSchema(text string, logger *slog.Logger) (*invoice.Schema, error) {
	text = trimFences(text)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", invoice.ErrExtractionParse, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: response is not a JSON object", invoice.ErrExtractionParse)
	}

	checkContract(text, logger)

	return &invoice.Schema{
		CNPJEmitente:  field[string](fields, "cnpj_emitente"),
		NomeEmitente:  field[string](fields, "nome_emitente"),
		NumeroNota:    field[string](fields, "numero_nota"),
		DataEmissao:   field[string](fields, "data_emissao"),
		ValorTotal:    field[float64](fields, "valor_total"),
		ResumoServico: field[string](fields, "resumo_servico"),
	}, nil
}

// field decodes fields[key] as T, or returns nil if it is absent, null or of another type
func field[T any](fields map[string]json.RawMessage, key string) *T {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var v *T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func checkContract(text string, logger *slog.Logger) {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return
	}
	err := contract.Validate(doc)
	if err == nil {
		return
	}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		for _, cause := range leafCauses(verr) {
			logger.Warn("llm.contract.drift", "field", cause.InstanceLocation, "problem", cause.Message)
		}
		return
	}
	logger.Warn("llm.contract.drift", "error", err)
}

func leafCauses(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var out []*jsonschema.ValidationError
	for _, c := range verr.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

// trimFences removes a surrounding markdown code block if the model added one anyway
func trimFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
