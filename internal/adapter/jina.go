package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/dskow/taskrouter/internal/task"
)

// Jina bridge tools.
const (
	JinaReadTool   = "jina_read"
	JinaSearchTool = "jina_search"
)

type jinaReadArgs struct {
	URL          string `json:"url"`
	TargetSelect string `json:"targetSelector,omitempty"`
}

type jinaSearchArgs struct {
	Q     string `json:"q"`
	Count int    `json:"count"`
}

type jinaPage struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

type jinaEnvelope[T any] struct {
	Code   int    `json:"code"`
	Status int    `json:"status"`
	Data   T      `json:"data"`
	Error  string `json:"message"`
}

func unwrapJina[T any](raw json.RawMessage) (T, error) {
	var env jinaEnvelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return env.Data, err
	}
	if env.Code != 0 && env.Code != 200 {
		return env.Data, fmt.Errorf("jina code %d: %s", env.Code, env.Error)
	}
	return env.Data, nil
}

// NewJina returns the Jina Reader adapter.
func NewJina(deps Deps) *ToolAdapter {
	bindings := map[task.Type]Binding{
		task.PageMarkdown: {
			Tool: JinaReadTool,
			Args: func(in task.Input) (any, error) {
				p, err := inputAs[task.PageMarkdownInput](in)
				if err != nil {
					return nil, err
				}
				args := jinaReadArgs{URL: p.URL}
				if p.OnlyMainContent {
					args.TargetSelect = "main, article"
				}
				return args, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				page, err := unwrapJina[jinaPage](raw)
				if err != nil {
					return nil, err
				}
				doc := &task.Document{URL: page.URL, Title: page.Title, Markdown: page.Content}
				if doc.URL == "" {
					p, _ := in.(task.PageMarkdownInput)
					doc.URL = p.URL
				}
				if page.Description != "" {
					doc.Metadata = map[string]string{"description": page.Description}
				}
				return doc, nil
			},
		},
		task.SemanticSearch: {
			Tool: JinaSearchTool,
			Args: func(in task.Input) (any, error) {
				s, err := inputAs[task.SemanticSearchInput](in)
				if err != nil {
					return nil, err
				}
				return jinaSearchArgs{Q: s.Query, Count: orDefault(s.NumResults, 5)}, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				pages, err := unwrapJina[[]jinaPage](raw)
				if err != nil {
					return nil, err
				}
				s, _ := in.(task.SemanticSearchInput)
				out := &task.SearchResults{Query: s.Query, Hits: make([]task.SearchHit, 0, len(pages))}
				for _, p := range pages {
					snippet := p.Description
					if snippet == "" {
						snippet = truncate(p.Content, snippetLen)
					}
					out.Hits = append(out.Hits, task.SearchHit{Title: p.Title, URL: p.URL, Snippet: snippet})
				}
				return out, nil
			},
		},
	}
	probe := Probe{Tool: JinaReadTool, Args: jinaReadArgs{URL: "https://example.com"}}
	return NewToolAdapter("jina", bindings, probe, deps)
}
