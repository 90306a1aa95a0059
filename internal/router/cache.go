package router

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
)

// cacheFileName matches the single optional on-disk artifact the engine
// writes besides the database.
const cacheFileName = "intent_embeddings"

type cacheFile struct {
	Embedder string                 `json:"embedder"`
	Intents  map[string][][]float32 `json:"intents"`
}

func (r *Router) cachePath() string {
	if r.cfg.CacheDir == "" {
		return ""
	}
	return filepath.Join(r.cfg.CacheDir, cacheFileName)
}

// loadCache restores exemplar embeddings written by an earlier run with
// the same embedder. Any failure is treated as a cache miss.
func (r *Router) loadCache() (map[Intent][][]float32, bool) {
	path := r.cachePath()
	if path == "" {
		return nil, false
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, false
	}
	defer gz.Close()

	var cf cacheFile
	if err := json.NewDecoder(gz).Decode(&cf); err != nil {
		return nil, false
	}
	if cf.Embedder != r.emb.Name() {
		// A different model produces incompatible vectors.
		return nil, false
	}
	out := make(map[Intent][][]float32, len(cf.Intents))
	for label, vecs := range cf.Intents {
		if _, known := Exemplars[Intent(label)]; !known {
			continue
		}
		out[Intent(label)] = vecs
	}
	if len(out) != len(Exemplars) {
		return nil, false
	}
	return out, true
}

func (r *Router) saveCache(exemplars map[Intent][][]float32) {
	path := r.cachePath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(r.cfg.CacheDir, 0o755); err != nil {
		r.log.Warn().Err(err).Msg("cache dir creation failed")
		return
	}
	f, err := os.Create(path)
	if err != nil {
		r.log.Warn().Err(err).Msg("cache save failed")
		return
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()

	cf := cacheFile{Embedder: r.emb.Name(), Intents: make(map[string][][]float32, len(exemplars))}
	for intent, vecs := range exemplars {
		cf.Intents[string(intent)] = vecs
	}
	if err := json.NewEncoder(gz).Encode(cf); err != nil {
		r.log.Warn().Err(err).Msg("cache encode failed")
	}
}
