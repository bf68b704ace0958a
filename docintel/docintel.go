// Package docintel drives the asynchronous document-intelligence service:
// a parse is submitted, then polled until it settles.
package docintel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph/internal/httpjson"
	"github.com/meikuraledutech/casegraph/task"
)

// Remote job states.
const (
	StatusProcessing = "Processing"
	StatusSuccess    = "Success"
	StatusFail       = "Fail"
)

// ErrParseTimeout means the service did not settle within MaxPolls.
var ErrParseTimeout = errors.New("docintel: parse did not finish in time")

type Config struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Client implements engine.DocumentParser.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxPolls == 0 {
		cfg.MaxPolls = 120
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type submitRequest struct {
	Filename  string `json:"file_name"`
	SourceRef string `json:"file_url"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type jobResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Parse submits the file and polls until the service reports a result.
// A parse the service rejects is permanent; a timeout is not.
func (c *Client) Parse(ctx context.Context, filename, sourceRef string) (json.RawMessage, error) {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	auth := httpjson.Bearer(c.cfg.APIKey)

	var sub submitResponse
	if err := httpjson.Do(ctx, c.http, "docintel", http.MethodPost, base+"/jobs", auth,
		submitRequest{Filename: filename, SourceRef: sourceRef}, &sub); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, errors.New("docintel: submit returned no job id")
	}
	log := c.logger.With(zap.String("remote_job", sub.ID), zap.String("filename", filename))
	log.Info("document submitted")

	for poll := 1; poll <= c.cfg.MaxPolls; poll++ {
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return nil, err
		}
		var job jobResponse
		err := httpjson.Do(ctx, c.http, "docintel", http.MethodGet, base+"/jobs/"+url.PathEscape(sub.ID), auth, nil, &job)
		if err != nil {
			if task.IsPermanent(err) {
				return nil, err
			}
			// A failed poll is retried on the next tick.
			log.Warn("poll failed", zap.Int("poll", poll), zap.Error(err))
			continue
		}
		switch job.Status {
		case StatusSuccess:
			log.Info("document parsed", zap.Int("polls", poll))
			return job.Result, nil
		case StatusFail:
			return nil, task.Permanent(fmt.Errorf("docintel: parse of %s failed: %s", filename, job.Error))
		}
	}
	return nil, fmt.Errorf("%w: %s after %d polls", ErrParseTimeout, filename, c.cfg.MaxPolls)
}
