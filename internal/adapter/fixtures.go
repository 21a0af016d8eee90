package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// onePixelPNG is a transparent 1x1 PNG.
var onePixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// CannedTools returns deterministic implementations of every bridge tool,
// shaped like the real provider responses. They back LocalInvoker in
// development and the toolbridge server.
func CannedTools() map[string]ToolFunc {
	return map[string]ToolFunc{
		ExaSearchTool:             canned(exaSearch),
		ExaFindSimilarTool:        canned(exaSearch),
		FirecrawlScrapeTool:       canned(firecrawlScrape),
		FirecrawlCrawlTool:        canned(firecrawlCrawl),
		FirecrawlSearchTool:       canned(firecrawlSearch),
		JinaReadTool:              canned(jinaRead),
		JinaSearchTool:            canned(jinaSearch),
		BrowserlessScreenshotTool: canned(browserlessScreenshot),
		ApifyRunActorTool:         canned(apifyRun),
		ApifyUserTool:             canned(func(struct{}) any { return map[string]any{"data": map[string]any{"username": "dev"}} }),
		DataForSEOTrendsTool:      canned(dataforseoTrends),
		DataForSEOVolumeTool:      canned(dataforseoVolumeFixture),
		DataForSEOUserTool:        canned(func(struct{}) any { return dataforseoEnvelope([]any{map[string]any{"login": "dev"}}) }),
	}
}

func canned[A any](fn func(A) any) ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var args A
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return json.Marshal(fn(args))
	}
}

func sampleURL(seed string, i int) string {
	return fmt.Sprintf("https://example.com/%s/%d", url.PathEscape(seed), i+1)
}

func exaSearch(a exaSearchArgs) any {
	seed := a.Query
	if seed == "" {
		seed = "similar"
	}
	n := min(orDefault(a.NumResults, exaDefaultResults), 3)
	results := make([]map[string]any, 0, n)
	for i := range n {
		results = append(results, map[string]any{
			"id":            fmt.Sprintf("exa-%d", i+1),
			"title":         fmt.Sprintf("Result %d for %s", i+1, seed),
			"url":           sampleURL(seed, i),
			"text":          "Sample text about " + seed + ".",
			"score":         1 - float64(i)*0.1,
			"publishedDate": "2026-01-01",
		})
	}
	return map[string]any{"requestId": "dev", "results": results}
}

func firecrawlPageFor(target string, formats []string) map[string]any {
	page := map[string]any{
		"markdown": "# Example\n\nContent of " + target + ".",
		"metadata": map[string]any{
			"title":      "Example Domain",
			"sourceURL":  target,
			"language":   "en",
			"statusCode": 200,
		},
	}
	for _, f := range formats {
		if f == "screenshot" || f == "screenshot@fullPage" {
			page["screenshot"] = "https://cdn.example.com/screenshots/dev.png"
		}
	}
	return page
}

func firecrawlScrape(a firecrawlScrapeArgs) any {
	return map[string]any{"success": true, "data": firecrawlPageFor(a.URL, a.Formats)}
}

func firecrawlCrawl(a firecrawlCrawlArgs) any {
	n := min(orDefault(a.Limit, firecrawlDefaultPages), 3)
	pages := make([]any, 0, n)
	for i := range n {
		target := a.URL
		if i > 0 {
			target = fmt.Sprintf("%s/page-%d", a.URL, i)
		}
		pages = append(pages, firecrawlPageFor(target, nil))
	}
	return map[string]any{"success": true, "status": "completed", "data": pages}
}

func firecrawlSearch(a firecrawlSearchArgs) any {
	n := min(orDefault(a.Limit, firecrawlDefaultLimit), 3)
	hits := make([]any, 0, n)
	for i := range n {
		hits = append(hits, map[string]any{
			"url":         sampleURL(a.Query, i),
			"title":       fmt.Sprintf("%s (%d)", a.Query, i+1),
			"description": "Search result for " + a.Query + ".",
		})
	}
	return map[string]any{"success": true, "data": hits}
}

func jinaRead(a jinaReadArgs) any {
	return map[string]any{"code": 200, "status": 20000, "data": map[string]any{
		"title":   "Example Domain",
		"url":     a.URL,
		"content": "Example Domain\n\nContent of " + a.URL + ".",
	}}
}

func jinaSearch(a jinaSearchArgs) any {
	n := min(orDefault(a.Count, 5), 3)
	pages := make([]any, 0, n)
	for i := range n {
		pages = append(pages, map[string]any{
			"title":       fmt.Sprintf("%s (%d)", a.Q, i+1),
			"url":         sampleURL(a.Q, i),
			"description": "Reader result for " + a.Q + ".",
		})
	}
	return map[string]any{"code": 200, "data": pages}
}

func browserlessScreenshot(a browserlessArgs) any {
	w, h := 1, 1
	if a.Viewport != nil {
		w, h = a.Viewport.Width, a.Viewport.Height
	}
	return map[string]any{
		"contentType": "image/png",
		"data":        base64.StdEncoding.EncodeToString(onePixelPNG),
		"width":       w,
		"height":      h,
	}
}

func apifyRun(a apifyRunArgs) any {
	who := "dev"
	if names, ok := a.Input["usernames"].([]any); ok && len(names) > 0 {
		who = fmt.Sprint(names[0])
	}
	items := []any{
		map[string]any{
			"id":            "post-1",
			"ownerUsername": who,
			"caption":       "First sample post",
			"url":           "https://social.example.com/" + who + "/1",
			"likesCount":    42,
			"commentsCount": 3,
			"timestamp":     time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
		},
		map[string]any{
			"id":          "post-2",
			"author":      who,
			"text":        "Second sample post",
			"sharesCount": 7,
		},
	}
	return map[string]any{"status": "SUCCEEDED", "actorId": a.ActorID, "items": items}
}

func dataforseoEnvelope(result []any) map[string]any {
	return map[string]any{
		"status_code":    dataforseoOK,
		"status_message": "Ok.",
		"tasks": []any{map[string]any{
			"status_code":    dataforseoOK,
			"status_message": "Ok.",
			"result":         result,
		}},
	}
}

func dataforseoTrends(a dataforseoTrendsArgs) any {
	rows := make([]any, 0, len(a.Keywords))
	for i, kw := range a.Keywords {
		points := make([]any, 0, 3)
		for m := range 3 {
			points = append(points, map[string]any{
				"date_from": fmt.Sprintf("2026-%02d-01", m+1),
				"value":     float64(40 + 10*m + i),
			})
		}
		rows = append(rows, map[string]any{"keyword": kw, "data": points})
	}
	return dataforseoEnvelope(rows)
}

func dataforseoVolumeFixture(a dataforseoVolumeArgs) any {
	rows := make([]any, 0, len(a.Keywords))
	for i, kw := range a.Keywords {
		rows = append(rows, map[string]any{
			"keyword":           kw,
			"search_volume":     1000 * (i + 1),
			"cpc":               1.25,
			"competition_index": 50,
		})
	}
	return dataforseoEnvelope(rows)
}
