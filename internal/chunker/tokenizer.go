package chunker

import "strings"

// Tokenizer provides tokenization for token-based splitting.
// Implementations should be stateless or concurrency-safe.
type Tokenizer interface {
	Encode(text string) []string
	Decode(tokens []string) string
	Name() string
}

// WordTokenizer splits on runs of whitespace and detokenizes by joining
// with a single space. Token counts are word counts, not model tokens,
// which keeps the window bounds strict without a model vocabulary.
type WordTokenizer struct{}

func (WordTokenizer) Encode(text string) []string   { return strings.Fields(text) }
func (WordTokenizer) Decode(tokens []string) string { return strings.Join(tokens, " ") }
func (WordTokenizer) Name() string                  { return "words" }
