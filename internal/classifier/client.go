package classifier

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

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.mistral.ai"

// Config configures the external text-classification model.
type Config struct {
	APIKey     string
	BaseURL    string // default https://api.mistral.ai
	Model      string
	RatePerSec int           // outbound request limit, default 1
	Timeout    time.Duration // per-request HTTP timeout, default 30s
}

// Client calls the Mistral chat-completions endpoint. All requests pass
// through a shared limiter so batch flushes and discovery runs together stay
// under the provider's rate limit.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("classifier api key is empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("classifier model is empty")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// SetRate re-applies the outbound request limit, for config hot reload.
func (c *Client) SetRate(perSec int) {
	if perSec <= 0 {
		perSec = 1
	}
	c.limiter.SetLimit(rate.Limit(perSec))
	c.limiter.SetBurst(perSec)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify submits one batch of text together with a system prompt and
// returns the model's raw reply. The reply usually carries a fenced JSON
// object or array; parsing is the caller's concern.
func (c *Client) Classify(ctx context.Context, batchText, promptText string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("classifier rate wait: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: batchText},
			{Role: "system", Content: promptText},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode classifier request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("classifier http %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode classifier response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("classifier response has no choices")
	}

	c.log.Debug().Dur("took", time.Since(start)).Int("batch_bytes", len(batchText)).Msg("classification done")
	return out.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
