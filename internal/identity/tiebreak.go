package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TieBreaker decides which of two equally-ranked display names is more
// descriptive. Implementations are best-effort: an error means the
// caller should apply its deterministic fallback.
type TieBreaker interface {
	Choose(ctx context.Context, a, b string) (string, error)
}

// LongerName is the default tie-breaker when no oracle is configured:
// it deterministically prefers the longer string.
type LongerName struct{}

func (LongerName) Choose(_ context.Context, a, b string) (string, error) {
	return longer(a, b), nil
}

// OllamaTieBreaker asks a local language model which name is more
// descriptive via the Ollama generate API.
type OllamaTieBreaker struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaTieBreaker creates a tie-breaker against an Ollama-compatible
// endpoint.
func NewOllamaTieBreaker(baseURL, model string) *OllamaTieBreaker {
	return &OllamaTieBreaker{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Choose asks the model to pick between the two names. An ambiguous
// answer (both or neither letter present) is reported as an error so
// the caller falls back deterministically.
func (o *OllamaTieBreaker) Choose(ctx context.Context, a, b string) (string, error) {
	prompt := fmt.Sprintf(
		"Which name is more descriptive for a person or entity? "+
			"Option A: '%s', Option B: '%s'. Answer with only 'A' or 'B'.",
		a, b,
	)

	payload, err := json.Marshal(generateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload),
	)
	if err != nil {
		return "", fmt.Errorf("creating generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling tie-break model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("tie-break model returned %d: %s", resp.StatusCode, body)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}

	answer := strings.ToUpper(strings.TrimSpace(gen.Response))
	hasA := strings.Contains(answer, "A")
	hasB := strings.Contains(answer, "B")

	switch {
	case hasA && !hasB:
		return a, nil
	case hasB && !hasA:
		return b, nil
	default:
		return "", fmt.Errorf("ambiguous tie-break answer %q", gen.Response)
	}
}
