package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/daybook-io/daybook/pkg/models"
)

// Driver turns one GenerationRequest into a backend-specific HTTP call.
// Implementations must honor ctx for per-attempt timeouts.
type Driver interface {
	Kind() string
	Call(ctx context.Context, provider *models.ProviderProfile, req *models.GenerationRequest) (*models.GenerationResult, error)
}

// buildMessages assembles the chat payload shared by all drivers.
func buildMessages(req *models.GenerationRequest) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: req.Prompt})
	return msgs
}

func resolveTemperature(p *models.ProviderProfile, req *models.GenerationRequest) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return p.Temperature
}

func resolveMaxTokens(p *models.ProviderProfile, req *models.GenerationRequest) int {
	if req.MaxTokens != nil {
		return *req.MaxTokens
	}
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return 1024
}

// ── OpenAI / Azure OpenAI (and generic OpenAI-compatible) ───

type openAIDriver struct {
	kind   string // "openai" or "azure-openai"
	client *http.Client
}

func (d *openAIDriver) Kind() string { return d.kind }

type openAIRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (d *openAIDriver) Call(ctx context.Context, provider *models.ProviderProfile, req *models.GenerationRequest) (*models.GenerationResult, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("%s: api_key not configured for provider %s", d.kind, provider.Name)
	}

	start := time.Now()
	body, _ := json.Marshal(openAIRequest{
		Model:       provider.Model,
		Messages:    buildMessages(req),
		Temperature: resolveTemperature(provider, req),
		MaxTokens:   resolveMaxTokens(provider, req),
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", d.kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// Azure OpenAI uses a different auth header
	if d.kind == "azure-openai" {
		httpReq.Header.Set("api-key", provider.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", d.kind, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("%s: status %d: %s", d.kind, httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, &ProviderError{Provider: provider.Name, Kind: FailureResponseFormat,
			Err: fmt.Errorf("%s: decode response: %w", d.kind, err)}
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &models.GenerationResult{
		Provider: provider.Name,
		Model:    provider.Model,
		Text:     content,
		Usage: models.TokenUsage{
			InputTokens:  oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:  oaiResp.Usage.TotalTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// ── Anthropic ───────────────────────────────────────────────

type anthropicDriver struct {
	client *http.Client
}

func (d *anthropicDriver) Kind() string { return "anthropic" }

type anthropicRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	System      string               `json:"system,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (d *anthropicDriver) Call(ctx context.Context, provider *models.ProviderProfile, req *models.GenerationRequest) (*models.GenerationResult, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api_key not configured for provider %s", provider.Name)
	}

	start := time.Now()
	// Anthropic takes the system prompt as a top-level field
	body, _ := json.Marshal(anthropicRequest{
		Model:       provider.Model,
		Messages:    []models.ChatMessage{{Role: "user", Content: req.Prompt}},
		System:      req.SystemPrompt,
		MaxTokens:   resolveMaxTokens(provider, req),
		Temperature: resolveTemperature(provider, req),
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", provider.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, &ProviderError{Provider: provider.Name, Kind: FailureResponseFormat,
			Err: fmt.Errorf("anthropic: decode response: %w", err)}
	}

	content := ""
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	return &models.GenerationResult{
		Provider: provider.Name,
		Model:    provider.Model,
		Text:     content,
		Usage: models.TokenUsage{
			InputTokens:  anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
			TotalTokens:  anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// ── Ollama ──────────────────────────────────────────────────

type ollamaDriver struct {
	client *http.Client
}

func (d *ollamaDriver) Kind() string { return "ollama" }

func (d *ollamaDriver) Call(ctx context.Context, provider *models.ProviderProfile, req *models.GenerationRequest) (*models.GenerationResult, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	start := time.Now()
	body, _ := json.Marshal(openAIRequest{
		Model:       provider.Model,
		Messages:    buildMessages(req),
		Temperature: resolveTemperature(provider, req),
		MaxTokens:   resolveMaxTokens(provider, req),
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("ollama: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, &ProviderError{Provider: provider.Name, Kind: FailureResponseFormat,
			Err: fmt.Errorf("ollama: decode response: %w", err)}
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &models.GenerationResult{
		Provider: provider.Name,
		Model:    provider.Model,
		Text:     content,
		Usage: models.TokenUsage{
			InputTokens:  oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:  oaiResp.Usage.TotalTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
