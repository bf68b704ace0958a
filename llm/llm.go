// Package llm talks to an OpenAI-compatible chat-completions endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph/internal/httpjson"
	"github.com/meikuraledutech/casegraph/task"
)

// Config configures a Client. Zero fields take the defaults below.
type Config struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`

	// Breaker settings: the circuit opens once at least BreakerMinRequests
	// calls in an interval failed at BreakerFailureRatio or worse.
	BreakerMinRequests  uint32        `yaml:"breaker_min_requests"`
	BreakerFailureRatio float64       `yaml:"breaker_failure_ratio"`
	BreakerOpenTimeout  time.Duration `yaml:"breaker_open_timeout"`
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "qwen-plus"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2000
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = 5
	}
	if c.BreakerFailureRatio == 0 {
		c.BreakerFailureRatio = 0.8
	}
	if c.BreakerOpenTimeout == 0 {
		c.BreakerOpenTimeout = 60 * time.Second
	}
}

// Client implements engine.Inference.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// New returns a Client. A nil logger is allowed.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Permanent client errors do not count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || task.IsPermanent(err)
		},
	})
	return c
}

// Infer sends prompt with systemContext as the system message and returns
// the first choice's text.
func (c *Client) Infer(ctx context.Context, prompt, systemContext string) (string, error) {
	req := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if systemContext != "" {
		req.Messages = append(req.Messages, message{Role: "system", Content: systemContext})
	}
	req.Messages = append(req.Messages, message{Role: "user", Content: prompt})

	out, err := c.breaker.Execute(func() (any, error) {
		var resp chatResponse
		url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
		if err := httpjson.Do(ctx, c.http, "llm", http.MethodPost, url, httpjson.Bearer(c.cfg.APIKey), req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("llm: no choices returned")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("llm: %w", err)
		}
		return "", err
	}
	return out.(string), nil
}

// State exposes the breaker state for health reporting.
func (c *Client) State() string { return c.breaker.State().String() }
