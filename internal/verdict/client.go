package verdict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/config"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/retry"
)

// clientTag identifies this client to the reasoning service on every
// request, for service-side observability.
const clientTag = "caf-auditor-urgencias/1.0"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Client scores formatted encounters against an OpenAI-compatible
// chat-completions endpoint, with a fallback model and bounded retries
// on transient failures.
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	fallbackModel string
	temperature   float32
	policy        retry.Policy
	http          *http.Client
	now           func() time.Time
}

// NewClient builds the scoring client from configuration.
func NewClient(cfg config.VerdictConfig) *Client {
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		fallbackModel: cfg.FallbackModel,
		temperature:   cfg.Temperature,
		policy:        retry.New(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffCap),
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		now: time.Now,
	}
}

// Score submits one formatted encounter and returns the validated
// verdict. Transient failures are retried per model with bounded
// backoff, then the fallback model is tried. A malformed verdict is
// surfaced immediately: schema mismatches are not transient and a
// retry would only rescore the same encounter.
func (c *Client) Score(ctx context.Context, formattedRecord, systemInstructions string, id encounter.Identity, diagnosis string) (*Verdict, error) {
	models := []string{c.model}
	if c.fallbackModel != "" && c.fallbackModel != c.model {
		models = append(models, c.fallbackModel)
	}

	var lastErr error
	for _, model := range models {
		var verdict *Verdict
		err := c.policy.Do(ctx, func(ctx context.Context) error {
			content, err := c.complete(ctx, model, formattedRecord, systemInstructions, id, diagnosis)
			if err != nil {
				return err
			}
			v, err := Parse(content)
			if err != nil {
				return &retry.Permanent{Err: err}
			}
			verdict = v
			return nil
		})
		if err == nil {
			verdict.Identity = id
			verdict.Diagnosis = diagnosis
			verdict.Model = model
			verdict.ScoredAt = c.now().UTC()
			return verdict, nil
		}
		if errors.Is(err, ErrMalformedVerdict) {
			return nil, err
		}
		log.Printf("verdict: model %s exhausted for %s: %v", model, id, err)
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) complete(ctx context.Context, model, formattedRecord, systemInstructions string, id encounter.Identity, diagnosis string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Temperature: c.temperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemInstructions},
			{Role: "user", Content: UserPrompt(id, diagnosis, formattedRecord)},
		},
	})
	if err != nil {
		return "", &retry.Permanent{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", &retry.Permanent{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", clientTag)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrServiceTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %s: %s", ErrServiceUnavailable, resp.Status, strings.TrimSpace(string(body)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrServiceUnavailable, err)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", &retry.Permanent{Err: fmt.Errorf("%w: response carries no content", ErrMalformedVerdict)}
	}
	return decoded.Choices[0].Message.Content, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
