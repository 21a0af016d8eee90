package adapter

import (
	"encoding/json"
	"errors"

	"github.com/dskow/taskrouter/internal/task"
)

// Firecrawl bridge tools.
const (
	FirecrawlScrapeTool = "firecrawl_scrape"
	FirecrawlCrawlTool  = "firecrawl_crawl"
	FirecrawlSearchTool = "firecrawl_search"
)

const (
	firecrawlDefaultPages = 10
	firecrawlDefaultDepth = 2
	firecrawlDefaultLimit = 5
)

type firecrawlScrapeArgs struct {
	URL             string   `json:"url"`
	Formats         []string `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent,omitempty"`
}

type firecrawlCrawlArgs struct {
	URL      string `json:"url"`
	Limit    int    `json:"limit"`
	MaxDepth int    `json:"maxDepth"`
}

type firecrawlSearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type firecrawlPage struct {
	Markdown   string `json:"markdown"`
	Screenshot string `json:"screenshot"`
	Metadata   struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Language    string `json:"language"`
		SourceURL   string `json:"sourceURL"`
		StatusCode  int    `json:"statusCode"`
	} `json:"metadata"`
}

func (p firecrawlPage) document(fallbackURL string) task.Document {
	doc := task.Document{
		URL:      p.Metadata.SourceURL,
		Title:    p.Metadata.Title,
		Markdown: p.Markdown,
	}
	if doc.URL == "" {
		doc.URL = fallbackURL
	}
	meta := map[string]string{}
	if p.Metadata.Description != "" {
		meta["description"] = p.Metadata.Description
	}
	if p.Metadata.Language != "" {
		meta["language"] = p.Metadata.Language
	}
	if len(meta) > 0 {
		doc.Metadata = meta
	}
	return doc
}

type firecrawlEnvelope[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    T      `json:"data"`
}

func unwrapFirecrawl[T any](raw json.RawMessage) (T, error) {
	var env firecrawlEnvelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return env.Data, err
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = "firecrawl reported failure"
		}
		return env.Data, errors.New(env.Error)
	}
	return env.Data, nil
}

// NewFirecrawl returns the Firecrawl adapter: scraping, crawling, screenshots
// and web search.
func NewFirecrawl(deps Deps) *ToolAdapter {
	bindings := map[task.Type]Binding{
		task.PageMarkdown: {
			Tool: FirecrawlScrapeTool,
			Args: func(in task.Input) (any, error) {
				p, err := inputAs[task.PageMarkdownInput](in)
				if err != nil {
					return nil, err
				}
				return firecrawlScrapeArgs{URL: p.URL, Formats: []string{"markdown"}, OnlyMainContent: p.OnlyMainContent}, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				page, err := unwrapFirecrawl[firecrawlPage](raw)
				if err != nil {
					return nil, err
				}
				p, _ := in.(task.PageMarkdownInput)
				doc := page.document(p.URL)
				return &doc, nil
			},
		},
		task.Screenshot: {
			Tool: FirecrawlScrapeTool,
			Args: func(in task.Input) (any, error) {
				s, err := inputAs[task.ScreenshotInput](in)
				if err != nil {
					return nil, err
				}
				format := "screenshot"
				if s.FullPage {
					format = "screenshot@fullPage"
				}
				return firecrawlScrapeArgs{URL: s.URL, Formats: []string{format}}, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				page, err := unwrapFirecrawl[firecrawlPage](raw)
				if err != nil {
					return nil, err
				}
				if page.Screenshot == "" {
					return nil, errors.New("no screenshot in response")
				}
				s, _ := in.(task.ScreenshotInput)
				return &task.ScreenshotImage{URL: s.URL, ImageURL: page.Screenshot, ContentType: "image/png"}, nil
			},
		},
		task.SiteCrawl: {
			Tool: FirecrawlCrawlTool,
			Args: func(in task.Input) (any, error) {
				c, err := inputAs[task.SiteCrawlInput](in)
				if err != nil {
					return nil, err
				}
				return firecrawlCrawlArgs{
					URL:      c.URL,
					Limit:    orDefault(c.MaxPages, firecrawlDefaultPages),
					MaxDepth: orDefault(c.MaxDepth, firecrawlDefaultDepth),
				}, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				pages, err := unwrapFirecrawl[[]firecrawlPage](raw)
				if err != nil {
					return nil, err
				}
				c, _ := in.(task.SiteCrawlInput)
				out := &task.CrawlResult{RootURL: c.URL, Pages: make([]task.Document, 0, len(pages))}
				for _, p := range pages {
					out.Pages = append(out.Pages, p.document(""))
				}
				return out, nil
			},
		},
		task.SemanticSearch: {
			Tool: FirecrawlSearchTool,
			Args: func(in task.Input) (any, error) {
				s, err := inputAs[task.SemanticSearchInput](in)
				if err != nil {
					return nil, err
				}
				return firecrawlSearchArgs{Query: s.Query, Limit: orDefault(s.NumResults, firecrawlDefaultLimit)}, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				type hit struct {
					URL         string `json:"url"`
					Title       string `json:"title"`
					Description string `json:"description"`
				}
				hits, err := unwrapFirecrawl[[]hit](raw)
				if err != nil {
					return nil, err
				}
				s, _ := in.(task.SemanticSearchInput)
				out := &task.SearchResults{Query: s.Query, Hits: make([]task.SearchHit, 0, len(hits))}
				for _, h := range hits {
					out.Hits = append(out.Hits, task.SearchHit{Title: h.Title, URL: h.URL, Snippet: h.Description})
				}
				return out, nil
			},
		},
	}
	probe := Probe{Tool: FirecrawlScrapeTool, Args: firecrawlScrapeArgs{URL: "https://example.com", Formats: []string{"markdown"}}}
	return NewToolAdapter("firecrawl", bindings, probe, deps)
}
