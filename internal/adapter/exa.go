package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/dskow/taskrouter/internal/task"
)

// Exa bridge tools.
const (
	ExaSearchTool      = "exa_search"
	ExaFindSimilarTool = "exa_find_similar"
)

const exaDefaultResults = 10

type exaSearchArgs struct {
	Query          string       `json:"query,omitempty"`
	URL            string       `json:"url,omitempty"`
	NumResults     int          `json:"numResults"`
	IncludeDomains []string     `json:"includeDomains,omitempty"`
	Type           string       `json:"type,omitempty"`
	Contents       *exaContents `json:"contents,omitempty"`
}

type exaContents struct {
	Text bool `json:"text"`
}

// exaResponse is the shape shared by /search and /findSimilar.
type exaResponse struct {
	RequestID string `json:"requestId"`
	Results   []struct {
		ID            string  `json:"id"`
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Text          string  `json:"text"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"publishedDate"`
		Author        string  `json:"author"`
	} `json:"results"`
}

// NewExa returns the Exa adapter: neural search and similar-link discovery.
func NewExa(deps Deps) *ToolAdapter {
	bindings := map[task.Type]Binding{
		task.SemanticSearch: {
			Tool: ExaSearchTool,
			Args: func(in task.Input) (any, error) {
				s, err := inputAs[task.SemanticSearchInput](in)
				if err != nil {
					return nil, err
				}
				return exaSearchArgs{
					Query:          s.Query,
					NumResults:     orDefault(s.NumResults, exaDefaultResults),
					IncludeDomains: s.Domains,
					Type:           "neural",
					Contents:       &exaContents{Text: true},
				}, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				var resp exaResponse
				if err := json.Unmarshal(raw, &resp); err != nil {
					return nil, err
				}
				out := &task.SearchResults{Hits: make([]task.SearchHit, 0, len(resp.Results))}
				if s, ok := in.(task.SemanticSearchInput); ok {
					out.Query = s.Query
				}
				for _, r := range resp.Results {
					out.Hits = append(out.Hits, task.SearchHit{
						Title:         r.Title,
						URL:           r.URL,
						Snippet:       truncate(r.Text, snippetLen),
						Score:         r.Score,
						PublishedDate: r.PublishedDate,
					})
				}
				return out, nil
			},
		},
		task.LinkDiscovery: {
			Tool: ExaFindSimilarTool,
			Select: func(in task.Input) string {
				if l, ok := in.(task.LinkDiscoveryInput); ok && l.URL == "" {
					return ExaSearchTool
				}
				return ExaFindSimilarTool
			},
			Args: func(in task.Input) (any, error) {
				l, err := inputAs[task.LinkDiscoveryInput](in)
				if err != nil {
					return nil, err
				}
				if l.URL == "" {
					return exaSearchArgs{Query: l.Query, NumResults: orDefault(l.Limit, exaDefaultResults), Type: "keyword"}, nil
				}
				return exaSearchArgs{URL: l.URL, NumResults: orDefault(l.Limit, exaDefaultResults)}, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				var resp exaResponse
				if err := json.Unmarshal(raw, &resp); err != nil {
					return nil, err
				}
				out := &task.Links{Links: make([]task.Link, 0, len(resp.Results))}
				if l, ok := in.(task.LinkDiscoveryInput); ok {
					out.Source = l.URL
					if out.Source == "" {
						out.Source = l.Query
					}
				}
				for _, r := range resp.Results {
					if r.URL == "" {
						return nil, fmt.Errorf("result %q has no url", r.ID)
					}
					out.Links = append(out.Links, task.Link{URL: r.URL, Title: r.Title})
				}
				return out, nil
			},
		},
	}
	probe := Probe{Tool: ExaSearchTool, Args: exaSearchArgs{Query: "status", NumResults: 1}}
	return NewToolAdapter("exa", bindings, probe, deps)
}
