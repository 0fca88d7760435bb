package extraction

import "fmt"

// systemPrompt is shared by every backend
const systemPrompt = "You are a data extraction assistant. Output ONLY valid JSON. " +
	"No markdown formatting, no conversational text. If a field is missing, use null."

const userPromptTemplate = `Extract the following fields from the Brazilian invoice (Nota Fiscal) text below:
- cnpj_emitente (issuer CNPJ, digits only)
- nome_emitente (issuer name, string)
- numero_nota (invoice number, string)
- data_emissao (issue date, YYYY-MM-DD)
- valor_total (total amount, number such as 100.50, not a string)
- resumo_servico (short summary of the service, string)

Return exactly this JSON object and nothing else:
{
  "cnpj_emitente": "...",
  "nome_emitente": "...",
  "numero_nota": "...",
  "data_emissao": "...",
  "valor_total": 0.0,
  "resumo_servico": "..."
}

Invoice Text:
%s`

func buildPrompt(text string) string {
	return fmt.Sprintf(userPromptTemplate, text)
}
