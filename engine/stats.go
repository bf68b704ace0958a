package engine

import (
	"context"
	"fmt"

	"github.com/meikuraledutech/casegraph"
	"github.com/meikuraledutech/casegraph/cache"
)

// Statistics summarizes a user's cases.
type Statistics struct {
	TotalCases int            `json:"total_cases"`
	Cases      map[string]int `json:"cases_by_status"`
	Nodes      map[string]int `json:"nodes_by_status"`
	NodeTypes  map[string]int `json:"nodes_by_type"`
}

// Statistics aggregates a user's cases and nodes. The result is cached for
// the short statistics TTL, so it may lag recent activity.
func (e *Engine) Statistics(ctx context.Context, userID string) (*Statistics, error) {
	key, err := cache.Key(cache.OpStatistics, []any{userID}, nil)
	if err != nil {
		return nil, err
	}
	st, err := cache.Do(ctx, e.cache, key, e.opts.TTL.Statistics, func(ctx context.Context) (Statistics, error) {
		return e.computeStatistics(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (e *Engine) computeStatistics(ctx context.Context, userID string) (Statistics, error) {
	st := Statistics{
		Cases:     map[string]int{},
		Nodes:     map[string]int{},
		NodeTypes: map[string]int{},
	}
	cases, err := e.store.ListCases(ctx, casegraph.CaseFilter{UserID: userID})
	if err != nil {
		return st, fmt.Errorf("engine: statistics: %w", err)
	}
	for _, c := range cases {
		st.TotalCases++
		st.Cases[string(c.Status)]++
		g, err := e.store.GetGraph(ctx, c.ID)
		if err != nil {
			return st, fmt.Errorf("engine: statistics: %w", err)
		}
		if g == nil {
			continue
		}
		for _, n := range g.Nodes {
			st.Nodes[string(n.Status)]++
			st.NodeTypes[string(n.Type)]++
		}
	}
	return st, nil
}
