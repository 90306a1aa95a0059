package chunker

import (
	"regexp"
	"strings"
)

// Strategy selects how text is split.
type Strategy string

const (
	// StrategyTokens slides a token window over tokenizer output.
	// Guarantees strict token bounds at the cost of splits that may
	// cross sentence boundaries.
	StrategyTokens Strategy = "tokens"
	// StrategySentences accumulates whole sentences against an
	// approximate token budget (chars/4). Bounds are approximate.
	StrategySentences Strategy = "sentences"
)

// Options configures a Chunker.
type Options struct {
	Strategy      Strategy
	MaxTokens     int
	OverlapTokens int
	Tokenizer     Tokenizer
}

// Chunker splits text into overlapping, token-bounded chunks. It is
// total: no input produces an error.
type Chunker struct {
	strategy Strategy
	max      int
	overlap  int
	tok      Tokenizer
}

// New returns a Chunker with defaults filled in (512-token windows, token
// strategy). OverlapTokens is used as given: zero means no overlap, a
// negative value becomes zero, and a value >= MaxTokens becomes MaxTokens/2.
func New(opt Options) *Chunker {
	c := &Chunker{
		strategy: opt.Strategy,
		max:      opt.MaxTokens,
		overlap:  opt.OverlapTokens,
		tok:      opt.Tokenizer,
	}
	if c.strategy == "" {
		c.strategy = StrategyTokens
	}
	if c.max <= 0 {
		c.max = 512
	}
	if c.overlap < 0 {
		c.overlap = 0
	}
	if c.overlap >= c.max {
		c.overlap = c.max / 2
	}
	if c.tok == nil {
		c.tok = WordTokenizer{}
	}
	return c
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize collapses runs of whitespace to single spaces and trims.
// Ingestion hashes the normalized form, so dedup is insensitive to
// formatting-only edits.
func Normalize(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// Chunk splits text according to the configured strategy. Empty input
// yields nil.
func (c *Chunker) Chunk(text string) []string {
	text = Normalize(text)
	if text == "" {
		return nil
	}
	if c.strategy == StrategySentences {
		return c.sentenceChunks(text)
	}
	return c.tokenChunks(text)
}

// tokenChunks slides a window of max tokens advancing by max-overlap and
// decodes each window back to text.
func (c *Chunker) tokenChunks(text string) []string {
	tokens := c.tok.Encode(text)
	if len(tokens) == 0 {
		return nil
	}
	step := c.max - c.overlap
	var out []string
	for start := 0; start < len(tokens); start += step {
		end := start + c.max
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, c.tok.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return out
}

var sentenceEndRe = regexp.MustCompile(`(?:[.!?])\s+`)

// approxTokens estimates token count at roughly 4 characters per token.
func approxTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}

// splitSentences splits normalized text on sentence-terminating
// punctuation followed by whitespace, keeping the punctuation.
func splitSentences(text string) []string {
	var sents []string
	rest := text
	for {
		loc := sentenceEndRe.FindStringIndex(rest)
		if loc == nil {
			if s := strings.TrimSpace(rest); s != "" {
				sents = append(sents, s)
			}
			return sents
		}
		// Keep the terminator, drop the separating whitespace.
		end := loc[0] + 1
		sents = append(sents, strings.TrimSpace(rest[:end]))
		rest = rest[loc[1]:]
	}
}

// sentenceChunks greedily accumulates sentences until the approximate
// token budget would be exceeded, emitting the buffer and retaining the
// last sentence as overlap. A single sentence over budget is still
// emitted whole.
func (c *Chunker) sentenceChunks(text string) []string {
	sents := splitSentences(text)
	if len(sents) == 0 {
		return nil
	}
	var out []string
	var buf []string
	cur := 0
	for _, s := range sents {
		t := approxTokens(s)
		if cur+t > c.max && len(buf) > 0 {
			out = append(out, strings.Join(buf, " "))
			last := buf[len(buf)-1]
			buf = []string{last}
			cur = approxTokens(last)
		}
		buf = append(buf, s)
		cur += t
	}
	if len(buf) > 0 {
		out = append(out, strings.Join(buf, " "))
	}
	return out
}
