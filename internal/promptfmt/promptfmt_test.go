package promptfmt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatQuestionAttribution(t *testing.T) {
	var f Formatter
	got := f.FormatQuestion("What is the return policy?", "the customer service manual", StyleDocument, LangEN)
	assert.Equal(t, "According to the customer service manual, what is the return policy?", got)
}

func TestFormatQuestionAddsInterrogative(t *testing.T) {
	var f Formatter
	got := f.FormatQuestion("the retry limit", "the runbook", StyleDocument, LangEN)
	assert.Equal(t, "According to the runbook, what the retry limit?", got)

	got = f.FormatQuestion("o limite de tentativas", "o manual", StyleDocument, LangPT)
	assert.Equal(t, "De acordo com o manual, qual o limite de tentativas?", got)
}

func TestFormatQuestionStyles(t *testing.T) {
	var f Formatter
	got := f.FormatQuestion("what is a workstation?", "the TWS manual", StyleSource, LangEN)
	assert.Equal(t, "What does the TWS manual state about what is a workstation?", got)

	// Unknown style falls back to document attribution.
	got = f.FormatQuestion("what is it?", "the doc", Style("bogus"), LangEN)
	assert.True(t, strings.HasPrefix(got, "According to the doc,"))
}

func TestFormatQuestionPortuguese(t *testing.T) {
	var f Formatter
	got := f.FormatQuestion("Qual é a política de retorno?", "o manual de atendimento", StyleDocument, LangPT)
	assert.Equal(t, "De acordo com o manual de atendimento, qual é a política de retorno?", got)
}

func TestFormatSystemPromptStrict(t *testing.T) {
	var f Formatter
	sys := f.FormatSystemPrompt("TWS expert", true, LangEN)
	assert.Contains(t, sys, "contextual TWS expert")
	assert.Contains(t, sys, "STRICTLY")

	sysPT := f.FormatSystemPrompt("especialista", true, LangPT)
	assert.Contains(t, sysPT, "ESTRITAMENTE")

	relaxed := f.FormatSystemPrompt("helper", false, LangEN)
	assert.NotContains(t, relaxed, "STRICTLY")
}

func TestFormatRAGPrompt(t *testing.T) {
	var f Formatter
	p := f.FormatRAGPrompt(
		"How to configure dependencies?",
		"TWS allows dependencies via the FOLLOWS clause.",
		RAGOptions{SourceName: "the TWS scheduling manual", Strict: true, IncludeSystem: true},
	)
	assert.Contains(t, p.User, "CONTEXT FROM THE TWS SCHEDULING MANUAL:")
	assert.Contains(t, p.User, "FOLLOWS clause")
	assert.Contains(t, p.User, "According to the TWS scheduling manual, how to configure dependencies?")
	assert.Contains(t, p.User, "Answer based ONLY on the context above")
	assert.NotEmpty(t, p.System)
}

func TestFormatRAGPromptWithoutSystem(t *testing.T) {
	var f Formatter
	p := f.FormatRAGPrompt("q?", "ctx", RAGOptions{})
	assert.Empty(t, p.System)
	assert.Contains(t, p.User, "CONTEXT FROM THE CONTEXT:")
}

func TestFormatRAGPromptPortuguese(t *testing.T) {
	var f Formatter
	p := f.FormatRAGPrompt(
		"Quais as dependências do job?",
		"O job depende do processamento noturno.",
		RAGOptions{SourceName: "o manual TWS", Language: LangPT, Strict: true, IncludeSystem: true},
	)
	assert.Contains(t, p.User, "CONTEXTO DE O MANUAL TWS:")
	assert.Contains(t, p.User, "PERGUNTA:")
	assert.Contains(t, p.System, "assistente de documentação")
}
