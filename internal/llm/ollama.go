package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/normanking/nexus/internal/config"
)

// TimeoutConfig defines the 3-phase timeout system for Ollama.
// Phase 1 (Connection): time to establish the HTTP connection.
// Phase 2 (First Token): time to receive the first token; model loading happens here.
// Phase 3 (Streaming): max time between tokens during streaming.
type TimeoutConfig struct {
	ConnectionTimeout time.Duration
	FirstTokenTimeout time.Duration
	StreamIdleTimeout time.Duration
}

// DefaultTimeoutConfig returns defaults tuned for a local engine with cold starts.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 30 * time.Second,
		FirstTokenTimeout: 120 * time.Second, // cold start model loading can take 60-90s
		StreamIdleTimeout: 30 * time.Second,
	}
}

// RemoteTimeoutConfig returns more lenient timeouts for an engine on another host.
func RemoteTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 60 * time.Second,
		FirstTokenTimeout: 300 * time.Second,
		StreamIdleTimeout: 60 * time.Second,
	}
}

// TimeoutsFromConfig converts the seconds-based config section. Zero values
// fall back to the local or remote defaults for the endpoint.
func TimeoutsFromConfig(c config.LLMConfig) TimeoutConfig {
	t := DefaultTimeoutConfig()
	if isRemoteEndpoint(c.Endpoint) {
		t = RemoteTimeoutConfig()
	}
	if c.ConnectionTimeout > 0 {
		t.ConnectionTimeout = time.Duration(c.ConnectionTimeout) * time.Second
	}
	if c.FirstTokenTimeout > 0 {
		t.FirstTokenTimeout = time.Duration(c.FirstTokenTimeout) * time.Second
	}
	if c.StreamIdleTimeout > 0 {
		t.StreamIdleTimeout = time.Duration(c.StreamIdleTimeout) * time.Second
	}
	return t
}

// isRemoteEndpoint checks if the Ollama endpoint is not on this machine.
func isRemoteEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "host.docker.internal", "":
		return false
	}
	return true
}

// OllamaProvider implements Provider for a local Ollama server.
type OllamaProvider struct {
	config   ProviderConfig
	client   *http.Client
	timeouts TimeoutConfig
}

// OllamaOption is a functional option for configuring OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithTimeoutConfig sets custom timeout configuration.
func WithTimeoutConfig(cfg TimeoutConfig) OllamaOption {
	return func(p *OllamaProvider) {
		p.timeouts = cfg
	}
}

// WithHTTPClient replaces the HTTP client. Tests use it with httptest servers.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(p *OllamaProvider) {
		p.client = c
	}
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg ProviderConfig, opts ...OllamaOption) *OllamaProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:11434"
	}

	p := &OllamaProvider{
		config:   cfg,
		timeouts: DefaultTimeoutConfig(),
	}
	if isRemoteEndpoint(cfg.Endpoint) {
		p.timeouts = RemoteTimeoutConfig()
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		// No http.Client.Timeout: it would cover body reads and kill long
		// streams. The stream enforces first-token and idle limits itself.
		p.client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   p.timeouts.ConnectionTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: p.timeouts.FirstTokenTimeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		}
	}
	return p
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Endpoint returns the configured base URL.
func (p *OllamaProvider) Endpoint() string {
	return p.config.Endpoint
}

// Available checks that Ollama is running and has at least one model.
func (p *OllamaProvider) Available(ctx context.Context) error {
	models, err := p.ListModels(ctx)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("ollama at %s has no models installed", p.config.Endpoint)
	}
	return nil
}

// ListModels fetches the installed models from /api/tags.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to Ollama at %s: %w", p.config.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{Name: m.Name, Size: m.Size, ModifiedAt: m.ModifiedAt})
	}
	return models, nil
}

// Generate posts a streaming /api/chat request and returns once the response
// headers arrived. Tokens are pulled from the returned stream.
func (p *OllamaProvider) Generate(ctx context.Context, req *ChatRequest) (TokenStream, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// The stream owns this context; Close cancels it.
	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, p.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("execute request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(b))
	}

	return newOllamaStream(streamCtx, cancel, resp.Body, p.timeouts), nil
}

func (p *OllamaProvider) buildRequest(req *ChatRequest) ollamaChatRequest {
	out := ollamaChatRequest{
		Model:  req.Model,
		Stream: true,
	}
	if out.Model == "" {
		out.Model = p.config.Model
	}

	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, ollamaMessage{Role: msg.Role, Content: msg.Content})
	}

	out.Options.Temperature = req.Temperature
	if out.Options.Temperature == 0 {
		out.Options.Temperature = p.config.Temperature
	}
	out.Options.NumPredict = req.MaxTokens
	if out.Options.NumPredict == 0 {
		out.Options.NumPredict = p.config.MaxTokens
	}
	out.Options.NumCtx = req.ContextWindow
	return out
}

// Ollama API types
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}
