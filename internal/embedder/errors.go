package embedder

import "fmt"

// ProviderError reports a provider call that failed after the configured
// retries with lenient mode off.
type ProviderError struct {
	Provider Provider
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s (model %s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
