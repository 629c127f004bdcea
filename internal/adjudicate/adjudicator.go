package adjudicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lotscout/api/internal/config"
	"github.com/lotscout/api/internal/models"
	"github.com/sony/gobreaker/v2"
)

// ErrNoProviderConfigured is returned when neither the primary nor an
// enabled secondary provider has credentials. Fatal for that parcel's
// adjudication only, never for the search.
var ErrNoProviderConfigured = errors.New("adjudicate: no provider configured")

// Verdict is the outcome of one adjudication call.
type Verdict struct {
	Qualifies bool    `json:"qualifies"`
	Rationale string  `json:"rationale"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Units     int     `json:"units"`
	CostUSD   float64 `json:"costUsd"`
}

// Adjudicator renders qualify/disqualify decisions for edge-case parcels.
type Adjudicator interface {
	Adjudicate(ctx context.Context, p *models.Parcel, filters models.SearchFilters) (Verdict, error)
}

// provider is one configured LLM endpoint.
type provider interface {
	name() string
	model() string
	complete(ctx context.Context, prompt string) (text string, units int, err error)
}

// Gateway routes adjudication calls to the primary provider, substituting
// the secondary only when configuration explicitly enables it.
type Gateway struct {
	primary        provider
	secondary      provider
	costPer1KUnits float64
	breaker        *gobreaker.CircuitBreaker[Verdict]
}

// NewGateway builds an adjudication gateway from configuration. A provider
// without an API key is treated as unconfigured.
func NewGateway(cfg config.AdjudicatorConfig) *Gateway {
	g := &Gateway{costPer1KUnits: cfg.CostPer1KUnits}

	client := &http.Client{Timeout: cfg.Timeout}

	if cfg.PrimaryAPIKey != "" {
		g.primary = &openAIProvider{
			baseURL:    strings.TrimRight(cfg.PrimaryBaseURL, "/"),
			apiKey:     cfg.PrimaryAPIKey,
			modelName:  cfg.PrimaryModel,
			httpClient: client,
		}
	}
	if cfg.SecondaryEnabled && cfg.SecondaryAPIKey != "" {
		g.secondary = &anthropicProvider{
			baseURL:    strings.TrimRight(cfg.SecondaryBaseURL, "/"),
			apiKey:     cfg.SecondaryAPIKey,
			modelName:  cfg.SecondaryModel,
			httpClient: client,
		}
	}

	g.breaker = gobreaker.NewCircuitBreaker[Verdict](gobreaker.Settings{
		Name:    "adjudicator",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	})

	return g
}

// Adjudicate sends one edge-case parcel to the configured provider and
// parses the decision. Falls back to the secondary provider only when the
// primary is unconfigured or its call fails and the secondary is enabled.
func (g *Gateway) Adjudicate(ctx context.Context, p *models.Parcel, filters models.SearchFilters) (Verdict, error) {
	return g.breaker.Execute(func() (Verdict, error) {
		return g.adjudicate(ctx, p, filters)
	})
}

func (g *Gateway) adjudicate(ctx context.Context, p *models.Parcel, filters models.SearchFilters) (Verdict, error) {
	prompt := buildPrompt(p, filters)

	prov := g.primary
	if prov == nil {
		prov = g.secondary
	}
	if prov == nil {
		return Verdict{}, ErrNoProviderConfigured
	}

	text, units, err := prov.complete(ctx, prompt)
	if err != nil && prov == g.primary && g.secondary != nil {
		prov = g.secondary
		text, units, err = prov.complete(ctx, prompt)
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("adjudicate: provider %s: %w", prov.name(), err)
	}

	var decision struct {
		Qualifies bool   `json:"qualifies"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &decision); err != nil {
		return Verdict{}, fmt.Errorf("adjudicate: parse decision from %s: %w", prov.name(), err)
	}

	return Verdict{
		Qualifies: decision.Qualifies,
		Rationale: decision.Rationale,
		Provider:  prov.name(),
		Model:     prov.model(),
		Units:     units,
		CostUSD:   float64(units) / 1000 * g.costPer1KUnits,
	}, nil
}

// openAIProvider speaks the OpenAI-compatible chat completions API.
type openAIProvider struct {
	baseURL    string
	apiKey     string
	modelName  string
	httpClient *http.Client
}

func (p *openAIProvider) name() string  { return "openai" }
func (p *openAIProvider) model() string { return p.modelName }

func (p *openAIProvider) complete(ctx context.Context, prompt string) (string, int, error) {
	reqBody := map[string]interface{}{
		"model": p.modelName,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0,
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}

	if err := postJSON(ctx, p.httpClient, p.baseURL+"/chat/completions", reqBody, &parsed, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}); err != nil {
		return "", 0, err
	}

	if len(parsed.Choices) == 0 {
		return "", 0, errors.New("empty completion response")
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.TotalTokens, nil
}

// anthropicProvider speaks the Anthropic messages API.
type anthropicProvider struct {
	baseURL    string
	apiKey     string
	modelName  string
	httpClient *http.Client
}

func (p *anthropicProvider) name() string  { return "anthropic" }
func (p *anthropicProvider) model() string { return p.modelName }

func (p *anthropicProvider) complete(ctx context.Context, prompt string) (string, int, error) {
	reqBody := map[string]interface{}{
		"model":      p.modelName,
		"max_tokens": 512,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}

	if err := postJSON(ctx, p.httpClient, p.baseURL+"/messages", reqBody, &parsed, map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}); err != nil {
		return "", 0, err
	}

	if len(parsed.Content) == 0 {
		return "", 0, errors.New("empty messages response")
	}
	units := parsed.Usage.InputTokens + parsed.Usage.OutputTokens
	return parsed.Content[0].Text, units, nil
}

// postJSON posts a JSON body and decodes a JSON response, surfacing non-200
// statuses as errors with a body excerpt.
func postJSON(ctx context.Context, client *http.Client, url string, body interface{}, out interface{}, headers map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(excerpt)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
