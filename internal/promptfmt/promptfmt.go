// Package promptfmt shapes generator input with attribution-based
// framing: asking "according to X, ..." instead of the bare question
// biases the model toward the provided context over its training prior.
package promptfmt

import (
	"fmt"
	"strings"
)

// Style selects the attribution template.
type Style string

const (
	StyleDocument  Style = "document"
	StyleContext   Style = "context"
	StyleSource    Style = "source"
	StyleMentioned Style = "mentioned"
)

// Language selects the template set.
type Language string

const (
	LangEN Language = "en"
	LangPT Language = "pt"
)

// Prompt is the bundle handed to a downstream generator.
type Prompt struct {
	System string
	User   string
}

var templatesEN = map[Style]string{
	StyleDocument:  "According to %s, %s",
	StyleContext:   "Based on the information provided in %s, %s",
	StyleSource:    "What does %s state about %s",
	StyleMentioned: "What is mentioned in %s regarding %s",
}

var templatesPT = map[Style]string{
	StyleDocument:  "De acordo com %s, %s",
	StyleContext:   "Com base nas informações fornecidas em %s, %s",
	StyleSource:    "O que %s afirma sobre %s",
	StyleMentioned: "O que é mencionado em %s a respeito de %s",
}

var questionWordsEN = []string{
	"what", "who", "where", "when", "why", "how",
	"which", "whose", "whom", "is", "are", "can", "does",
}

var questionWordsPT = []string{
	"qual", "quem", "onde", "quando", "por que", "como",
	"o que", "quais", "é", "são", "pode", "faz",
}

// Formatter rewrites questions and builds system prompts for strict
// context adherence.
type Formatter struct{}

// FormatQuestion rewrites a question with source attribution: strip the
// trailing question mark, prepend the default interrogative when none
// is present, apply the template, re-append the question mark.
func (Formatter) FormatQuestion(question, source string, style Style, lang Language) string {
	if source == "" {
		source = defaultSource(lang)
	}
	q := strings.TrimSpace(question)
	q = strings.TrimRight(q, "?")

	if !startsWithQuestionWord(q, lang) {
		if lang == LangPT {
			q = "qual " + q
		} else {
			q = "what " + q
		}
	}

	templates := templatesEN
	if lang == LangPT {
		templates = templatesPT
	}
	tmpl, ok := templates[style]
	if !ok {
		tmpl = templates[StyleDocument]
	}

	formatted := fmt.Sprintf(tmpl, source, strings.ToLower(q))
	if !strings.HasSuffix(formatted, "?") {
		formatted += "?"
	}
	return formatted
}

// FormatSystemPrompt builds the system message. Strict mode forbids the
// model from reaching into its training knowledge.
func (Formatter) FormatSystemPrompt(agentRole string, strict bool, lang Language) string {
	if agentRole == "" {
		agentRole = "assistant"
	}
	if lang == LangPT {
		if strict {
			return fmt.Sprintf(`Você é um %s contextual. Seu papel é responder perguntas
baseando-se ESTRITAMENTE nas informações fornecidas no contexto.

REGRAS CRÍTICAS:
1. Use APENAS informações do contexto fornecido
2. Se perguntado sobre algo que não está no contexto, diga "Esta informação não está disponível no contexto fornecido"
3. NUNCA use seu conhecimento de treinamento para preencher lacunas
4. Ao citar informações, referencie a fonte explicitamente
5. Se o contexto for ambíguo, reconheça a ambiguidade

Suas respostas devem ser úteis e precisas, mas a aderência ao contexto é PRIMORDIAL.`, agentRole)
		}
		return fmt.Sprintf(`Você é um %s prestativo. Priorize as informações fornecidas
no contexto, mas pode usar conhecimento geral quando apropriado.`, agentRole)
	}
	if strict {
		return fmt.Sprintf(`You are a contextual %s. Your role is to answer questions
based STRICTLY on the information provided in the context.

CRITICAL RULES:
1. ONLY use information from the provided context
2. If asked about something not in the context, say "This information is not available in the provided context"
3. Never use your training knowledge to fill gaps
4. When citing information, reference the source explicitly
5. If context is ambiguous, acknowledge the ambiguity

Your answers should be helpful and accurate, but context adherence is PARAMOUNT.`, agentRole)
	}
	return fmt.Sprintf(`You are a helpful %s. Prioritize information from
the provided context, but you may use general knowledge when appropriate.`, agentRole)
}

// RAGOptions configures FormatRAGPrompt.
type RAGOptions struct {
	SourceName    string
	Style         Style
	Language      Language
	Strict        bool
	IncludeSystem bool
}

// FormatRAGPrompt builds the complete prompt bundle: the attributed
// question embedded in an instruction block around the retrieved
// context, plus the system message when IncludeSystem is set (the strict
// variant when Strict is also set); otherwise System is empty.
func (f Formatter) FormatRAGPrompt(query, context string, opt RAGOptions) Prompt {
	lang := opt.Language
	if lang == "" {
		lang = LangEN
	}
	source := opt.SourceName
	if source == "" {
		source = defaultSource(lang)
	}
	style := opt.Style
	if style == "" {
		style = StyleDocument
	}

	question := f.FormatQuestion(query, source, style, lang)

	var user string
	if lang == LangPT {
		user = fmt.Sprintf(`CONTEXTO DE %s:
%s

PERGUNTA:
%s

INSTRUÇÕES:
- Responda baseando-se APENAS no contexto acima
- Cite partes específicas quando relevante
- Se a informação estiver incompleta, indique o que está faltando
- Mantenha o mesmo idioma da pergunta`, strings.ToUpper(source), context, question)
	} else {
		user = fmt.Sprintf(`CONTEXT FROM %s:
%s

QUESTION:
%s

INSTRUCTIONS:
- Answer based ONLY on the context above
- Quote specific parts when relevant
- If information is incomplete, state what's missing
- Maintain the same language as the question`, strings.ToUpper(source), context, question)
	}

	p := Prompt{User: user}
	if opt.IncludeSystem {
		role := "documentation assistant"
		if lang == LangPT {
			role = "assistente de documentação"
		}
		p.System = f.FormatSystemPrompt(role, opt.Strict, lang)
	}
	return p
}

func defaultSource(lang Language) string {
	if lang == LangPT {
		return "o contexto"
	}
	return "the context"
}

func startsWithQuestionWord(text string, lang Language) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	words := questionWordsEN
	if lang == LangPT {
		words = questionWordsPT
	}
	for _, w := range words {
		if strings.HasPrefix(lower, w) {
			return true
		}
	}
	return false
}
