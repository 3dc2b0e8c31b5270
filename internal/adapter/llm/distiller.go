// Package llm provides DistillationProvider implementations that turn raw
// short-term memory candidates into structured long-term facts via an LLM.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"memsub/internal/domain"
)

const maxDistillResponseBody = 10 * 1024 * 1024

const distillSystemPrompt = `You are a memory distillation assistant. You will be given a numbered list of short-term memory candidates from a conversation. Extract the facts, preferences, decisions, and action items worth keeping long-term.

For each piece of knowledge, output exactly in this format:
FACT: <self-contained statement, understandable without the original conversation>
TYPE: <one of fact, preference, decision, episode, observation, action_item>
IMPORTANCE: <0.0-1.0>
CONFIDENCE: <0.0-1.0>
TAGS: <comma-separated lowercase tags>

Rules:
- Merge duplicate or near-duplicate candidates into a single fact
- Skip greetings, small talk, and anything transient
- Each FACT must stand alone
- If nothing is worth keeping, respond with exactly: NONE`

// AnthropicDistiller implements domain.DistillationProvider using the
// Anthropic Messages API.
type AnthropicDistiller struct {
	model   string
	apiKey  string
	baseURL string
	version string
	client  *http.Client
	logger  *slog.Logger
}

// AnthropicDistillerOption configures an AnthropicDistiller.
type AnthropicDistillerOption func(*AnthropicDistiller)

// WithDistillerBaseURL overrides the API base URL.
func WithDistillerBaseURL(url string) AnthropicDistillerOption {
	return func(d *AnthropicDistiller) { d.baseURL = url }
}

// WithDistillerClient overrides the HTTP client.
func WithDistillerClient(client *http.Client) AnthropicDistillerOption {
	return func(d *AnthropicDistiller) { d.client = client }
}

// NewAnthropicDistiller creates a distillation provider backed by Claude.
func NewAnthropicDistiller(apiKey, model string, logger *slog.Logger, opts ...AnthropicDistillerOption) *AnthropicDistiller {
	d := &AnthropicDistiller{
		model:   model,
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com",
		version: "2023-06-01",
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicDistillRequest struct {
	Model       string         `json:"model"`
	System      string         `json:"system"`
	Messages    []anthropicMsg `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicDistillResponse struct {
	Content []anthropicContentBlock `json:"content"`
}

// Distill implements domain.DistillationProvider.
func (d *AnthropicDistiller) Distill(ctx context.Context, candidates []domain.MemoryRecord) ([]domain.DraftMemory, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c.Content)
	}

	reqBody := anthropicDistillRequest{
		Model:  d.model,
		System: distillSystemPrompt,
		Messages: []anthropicMsg{
			{Role: "user", Content: sb.String()},
		},
		MaxTokens:   4096,
		Temperature: 0.2,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, domain.NewDomainError("AnthropicDistiller.Distill", domain.ErrDistillationFailed, "marshal request: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewDomainError("AnthropicDistiller.Distill", domain.ErrDistillationFailed, "create request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", d.apiKey)
	httpReq.Header.Set("anthropic-version", d.version)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewDomainError("AnthropicDistiller.Distill", domain.ErrProviderUnavailable, err.Error())
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxDistillResponseBody))
	if err != nil {
		return nil, domain.NewDomainError("AnthropicDistiller.Distill", domain.ErrDistillationFailed, "read response: "+err.Error())
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, domain.NewDomainError("AnthropicDistiller.Distill", domain.ErrProviderUnavailable,
			fmt.Sprintf("API error %d: %s", httpResp.StatusCode, string(respBody)))
	}

	var antResp anthropicDistillResponse
	if err := json.Unmarshal(respBody, &antResp); err != nil {
		return nil, domain.NewDomainError("AnthropicDistiller.Distill", domain.ErrDistillationFailed, "unmarshal response: "+err.Error())
	}

	var text strings.Builder
	for _, block := range antResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	drafts, err := parseDistillResponse(text.String())
	if err != nil {
		return nil, domain.NewDomainError("AnthropicDistiller.Distill", domain.ErrDistillationFailed, err.Error())
	}

	d.logger.Debug("distillation completed", "candidates", len(candidates), "drafts", len(drafts))
	return drafts, nil
}

// IsAvailable implements domain.DistillationProvider.
func (d *AnthropicDistiller) IsAvailable() bool { return d.apiKey != "" }

// parseDistillResponse parses the FACT/TYPE/IMPORTANCE/CONFIDENCE/TAGS block
// format into draft memories. Blocks without FACT content are skipped rather
// than aborting the whole batch; an unparseable IMPORTANCE or CONFIDENCE
// value leaves that field at its 0.5 default.
func parseDistillResponse(response string) ([]domain.DraftMemory, error) {
	response = strings.TrimSpace(response)
	if response == "" || response == "NONE" {
		return nil, nil
	}

	var drafts []domain.DraftMemory
	var cur *domain.DraftMemory

	flush := func() {
		if cur != nil && cur.Content != "" {
			drafts = append(drafts, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "FACT:"):
			flush()
			cur = &domain.DraftMemory{
				Content:    strings.TrimSpace(strings.TrimPrefix(line, "FACT:")),
				Type:       domain.TypeFact,
				Importance: 0.5,
				Confidence: 0.5,
			}
		case strings.HasPrefix(line, "TYPE:") && cur != nil:
			t := strings.TrimSpace(strings.ToLower(strings.TrimPrefix(line, "TYPE:")))
			if t != "" {
				cur.Type = domain.MemoryType(t)
			}
		case strings.HasPrefix(line, "IMPORTANCE:") && cur != nil:
			if v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "IMPORTANCE:")), 64); err == nil {
				cur.Importance = clampUnit(v)
			}
		case strings.HasPrefix(line, "CONFIDENCE:") && cur != nil:
			if v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "CONFIDENCE:")), 64); err == nil {
				cur.Confidence = clampUnit(v)
			}
		case strings.HasPrefix(line, "TAGS:") && cur != nil:
			cur.Tags = parseDistillTags(strings.TrimPrefix(line, "TAGS:"))
		}
	}
	flush()

	return drafts, nil
}

func parseDistillTags(s string) []string {
	parts := strings.Split(s, ",")
	var tags []string
	for _, p := range parts {
		tag := strings.TrimSpace(strings.ToLower(p))
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Compile-time interface check.
var _ domain.DistillationProvider = (*AnthropicDistiller)(nil)
