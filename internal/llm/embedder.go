package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/normanking/nexus/internal/config"
	"github.com/normanking/nexus/internal/logging"
)

// Embedder converts text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// EmbedderConfig configures the Ollama embedder.
type EmbedderConfig struct {
	Endpoint  string
	Model     string
	CacheSize int
	CacheTTL  time.Duration
	Timeout   time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// EmbedderConfigFrom builds an EmbedderConfig from the llm config section.
func EmbedderConfigFrom(c config.LLMConfig) EmbedderConfig {
	return EmbedderConfig{
		Endpoint:  c.Endpoint,
		Model:     c.EmbeddingModel,
		CacheSize: c.EmbeddingCacheMax,
		CacheTTL:  time.Duration(c.EmbeddingCacheTTL) * time.Second,
		Timeout:   30 * time.Second,
	}
}

// OllamaEmbedder calls /api/embeddings. Identical concurrent requests are
// collapsed into one call and results are kept in an expirable LRU.
type OllamaEmbedder struct {
	endpoint string
	model    string
	timeout  time.Duration
	client   *http.Client
	cache    *expirable.LRU[string, []float32]
	group    singleflight.Group
	log      zerolog.Logger
}

// NewOllamaEmbedder creates an embedder.
func NewOllamaEmbedder(cfg EmbedderConfig) *OllamaEmbedder {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &OllamaEmbedder{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		client:   client,
		cache:    expirable.NewLRU[string, []float32](cfg.CacheSize, nil, cfg.CacheTTL),
		log:      logging.Component("embedder"),
	}
}

// ModelName returns the embedding model.
func (e *OllamaEmbedder) ModelName() string {
	return e.model
}

// Embed returns the embedding for text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := strings.TrimSpace(text)
	if key == "" {
		return nil, ErrEmptyInput
	}

	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}

	// The shared call must not die with whichever caller started it.
	ch := e.group.DoChan(key, func() (any, error) {
		callCtx, cancel := logging.DetachContextWithTimeout(ctx, e.timeout)
		defer cancel()

		v, err := e.request(callCtx, key)
		if err != nil {
			return nil, err
		}
		e.cache.Add(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			e.log.Debug().Int("len", len(key)).Msg("embedding request shared")
		}
		return res.Val.([]float32), nil
	}
}

// CacheLen reports the number of cached embeddings.
func (e *OllamaEmbedder) CacheLen() int {
	return e.cache.Len()
}

func (e *OllamaEmbedder) request(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{
		"model":  e.model,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(b))
	}

	var result struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %s", e.model)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
