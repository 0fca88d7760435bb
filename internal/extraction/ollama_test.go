package extraction

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-automator/internal/invoice"
)

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

var _ = Describe("Ollama", func() {
	var (
		server    *ghttp.Server
		extractor *Ollama
		schema    *invoice.Schema
		err       error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		extractor = NewOllama(OllamaConfig{
			URL:        server.URL() + "/api/generate",
			Model:      "phi3:3.8b",
			Timeout:    time.Second,
			RetryDelay: time.Millisecond,
		})
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		schema, err = extractor.Extract(context.Background(), "NOTA FISCAL\nACME LTDA")
	})

	respond := func(status int, response string) http.HandlerFunc {
		return ghttp.RespondWithJSONEncoded(status, map[string]any{"model": "phi3:3.8b", "response": response, "done": true})
	}

	When("the model returns valid JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/generate"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					var body map[string]any
					Expect(decodeJSON(r, &body)).To(Succeed())
					Expect(body).To(HaveKeyWithValue("model", "phi3:3.8b"))
					Expect(body).To(HaveKeyWithValue("format", "json"))
					Expect(body).To(HaveKeyWithValue("stream", false))
					Expect(body).To(HaveKeyWithValue("temperature", 0.1))
					Expect(body).To(HaveKeyWithValue("system", systemPrompt))
					Expect(body["prompt"]).To(ContainSubstring("ACME LTDA"))
					Expect(body["prompt"]).To(ContainSubstring("cnpj_emitente"))
				},
				respond(http.StatusOK, `{"cnpj_emitente":"12345678000199","nome_emitente":"ACME","numero_nota":"42","data_emissao":"2024-05-01","valor_total":150.0,"resumo_servico":"Consultoria"}`),
			))
		})

		It("returns the parsed schema", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(*schema.CNPJEmitente).To(Equal("12345678000199"))
			Expect(*schema.ValorTotal).To(Equal(150.0))
		})
	})

	When("the model answers with prose", func() {
		BeforeEach(func() {
			server.AppendHandlers(respond(http.StatusOK, "Sorry, I cannot comply"))
		})

		It("returns no schema and a parse error", func() {
			Expect(schema).To(BeNil())
			Expect(err).To(MatchError(invoice.ErrExtractionParse))
		})

		It("does not retry", func() {
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the backend fails once", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusServiceUnavailable, "loading model"),
				respond(http.StatusOK, `{"nome_emitente":"ACME"}`),
			)
		})

		It("retries once and succeeds", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(*schema.NomeEmitente).To(Equal("ACME"))
			Expect(server.ReceivedRequests()).To(HaveLen(2))
		})
	})

	When("the backend keeps failing", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusInternalServerError, ""),
				ghttp.RespondWith(http.StatusInternalServerError, ""),
			)
		})

		It("gives up after one retry with a transient error", func() {
			Expect(schema).To(BeNil())
			Expect(err).To(MatchError(invoice.ErrTransientNetwork))
			Expect(server.ReceivedRequests()).To(HaveLen(2))
		})
	})

	When("the model is unknown", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error":"model not found"}`))
		})

		It("fails without retrying", func() {
			Expect(schema).To(BeNil())
			Expect(err).To(MatchError(ContainSubstring("model not found")))
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the backend is unreachable", func() {
		BeforeEach(func() {
			server.Close()
		})

		It("returns a transient error", func() {
			Expect(schema).To(BeNil())
			Expect(err).To(MatchError(invoice.ErrTransientNetwork))
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
