// Package knowledge queries the hybrid vector-search service that holds
// the troubleshooting corpus.
package knowledge

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/meikuraledutech/casegraph/engine"
	"github.com/meikuraledutech/casegraph/internal/httpjson"
)

type Config struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Client implements engine.Knowledge.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type searchRequest struct {
	Collection string   `json:"collection,omitempty"`
	Query      string   `json:"query"`
	Limit      int      `json:"limit"`
	Alpha      float64  `json:"alpha"`
	Tags       []string `json:"tags,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		Content string  `json:"content"`
		Source  string  `json:"source"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs a hybrid query. Alpha weighs vector similarity against
// keyword match: 1 is pure vector, 0 pure keyword.
func (c *Client) Search(ctx context.Context, req engine.SearchRequest) ([]engine.Passage, error) {
	var resp searchResponse
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/search"
	body := searchRequest{
		Collection: c.cfg.Collection,
		Query:      req.Query,
		Limit:      req.TopK,
		Alpha:      req.Alpha,
		Tags:       req.Tags,
	}
	if err := httpjson.Do(ctx, c.http, "knowledge", http.MethodPost, url, httpjson.Bearer(c.cfg.APIKey), body, &resp); err != nil {
		return nil, err
	}
	out := make([]engine.Passage, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, engine.Passage{Title: r.Title, Content: r.Content, Source: r.Source, Score: r.Score})
	}
	return out, nil
}
