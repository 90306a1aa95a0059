package embedder

import (
	"context"
	"sort"
	"strings"
)

// Embedder converts text into fixed-dimension embedding vectors. All
// vectors from one instance share the same dimension. Implementations
// are safe for concurrent use.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one embedding vector per input text.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the embedding dimensionality (0 until known).
	Dimension() int
	// Name returns a model identifier string.
	Name() string
}

// Provider identifies an embedding backend.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderAzure       Provider = "azure"
	ProviderCohere      Provider = "cohere"
	ProviderHuggingFace Provider = "huggingface"
	ProviderOllama      Provider = "ollama"
	ProviderVoyage      Provider = "voyage"
	ProviderBedrock     Provider = "bedrock"
	ProviderVertex      Provider = "vertex"
	ProviderMistral     Provider = "mistral"
	ProviderJina        Provider = "jina"
	ProviderFallback    Provider = "fallback"
	ProviderAuto        Provider = "auto"
)

// providerPrefixes maps model-name prefixes to providers. Detection
// picks the longest matching prefix.
var providerPrefixes = map[string]Provider{
	"text-embedding-": ProviderOpenAI,
	"openai/":         ProviderOpenAI,
	"azure/":          ProviderAzure,
	"cohere/":         ProviderCohere,
	"embed-":          ProviderCohere,
	"huggingface/":    ProviderHuggingFace,
	"ollama/":         ProviderOllama,
	"voyage/":         ProviderVoyage,
	"bedrock/":        ProviderBedrock,
	"vertex_ai/":      ProviderVertex,
	"mistral/":        ProviderMistral,
	"jina/":           ProviderJina,
}

// DetectProvider resolves a provider from a model name by longest-prefix
// match. Unknown models default to OpenAI-compatible.
func DetectProvider(model string) Provider {
	m := strings.ToLower(model)
	prefixes := make([]string, 0, len(providerPrefixes))
	for p := range providerPrefixes {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if strings.HasPrefix(m, p) {
			return providerPrefixes[p]
		}
	}
	return ProviderOpenAI
}

// modelDimensions maps model-name substrings to embedding dimensions.
var modelDimensions = []struct {
	substr string
	dim    int
}{
	{"text-embedding-3-small", 1536},
	{"text-embedding-3-large", 3072},
	{"text-embedding-ada-002", 1536},
	{"embed-english-light-v3", 384},
	{"embed-english-v3", 1024},
	{"embed-multilingual-v3", 1024},
	{"voyage-code-2", 1536},
	{"voyage-large-2", 1024},
	{"voyage-2", 1024},
	{"nomic-embed-text", 768},
	{"all-minilm", 384},
	{"bge-", 1024},
	{"mistral-embed", 1024},
}

// InferDimension returns the declared dimension for a model name, or 0
// when the model is unknown. Callers fall back to the configured
// dimension or learn it from the first successful response.
func InferDimension(model string) int {
	m := strings.ToLower(model)
	for _, e := range modelDimensions {
		if strings.Contains(m, e.substr) {
			return e.dim
		}
	}
	return 0
}
