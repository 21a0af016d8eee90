package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dskow/taskrouter/internal/task"
)

// Apify bridge tools.
const (
	ApifyRunActorTool = "apify_run_actor"
	ApifyUserTool     = "apify_user"
)

// apifyActors maps a platform onto the store actor that scrapes it.
var apifyActors = map[string]string{
	"instagram": "apify/instagram-scraper",
	"tiktok":    "clockworks/tiktok-scraper",
	"twitter":   "apidojo/tweet-scraper",
	"linkedin":  "curious_coder/linkedin-post-search-scraper",
	"facebook":  "apify/facebook-posts-scraper",
	"youtube":   "streamers/youtube-scraper",
}

type apifyRunArgs struct {
	ActorID string         `json:"actorId"`
	Input   map[string]any `json:"input"`
}

// apifyItem covers the field names used across the scraper actors.
type apifyItem struct {
	ID            string `json:"id"`
	Author        string `json:"author"`
	OwnerUsername string `json:"ownerUsername"`
	Text          string `json:"text"`
	Caption       string `json:"caption"`
	URL           string `json:"url"`
	LikesCount    int64  `json:"likesCount"`
	CommentsCount int64  `json:"commentsCount"`
	SharesCount   int64  `json:"sharesCount"`
	Timestamp     string `json:"timestamp"`
}

func (it apifyItem) post() task.SocialPost {
	p := task.SocialPost{
		ID:        it.ID,
		Author:    it.Author,
		Text:      it.Text,
		URL:       it.URL,
		Likes:     it.LikesCount,
		Comments:  it.CommentsCount,
		Shares:    it.SharesCount,
		Timestamp: it.Timestamp,
	}
	if p.Author == "" {
		p.Author = it.OwnerUsername
	}
	if p.Text == "" {
		p.Text = it.Caption
	}
	return p
}

// NewApify returns the Apify adapter for social scraping.
func NewApify(deps Deps) *ToolAdapter {
	bindings := map[task.Type]Binding{
		task.SocialScrape: {
			Tool: ApifyRunActorTool,
			Args: func(in task.Input) (any, error) {
				s, err := inputAs[task.SocialScrapeInput](in)
				if err != nil {
					return nil, err
				}
				platform := strings.ToLower(s.Platform)
				actor, ok := apifyActors[platform]
				if !ok {
					return nil, fmt.Errorf("no actor for platform %q", s.Platform)
				}
				input := map[string]any{"resultsLimit": orDefault(s.Limit, 20)}
				if s.Handle != "" {
					input["usernames"] = []string{strings.TrimPrefix(s.Handle, "@")}
				}
				if s.Query != "" {
					input["search"] = s.Query
				}
				return apifyRunArgs{ActorID: actor, Input: input}, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				var resp struct {
					Status string      `json:"status"`
					Items  []apifyItem `json:"items"`
				}
				if err := json.Unmarshal(raw, &resp); err != nil {
					return nil, err
				}
				if resp.Status != "" && resp.Status != "SUCCEEDED" {
					return nil, fmt.Errorf("actor run %s", strings.ToLower(resp.Status))
				}
				s, _ := in.(task.SocialScrapeInput)
				out := &task.SocialPosts{Platform: strings.ToLower(s.Platform), Posts: make([]task.SocialPost, 0, len(resp.Items))}
				for _, it := range resp.Items {
					out.Posts = append(out.Posts, it.post())
				}
				return out, nil
			},
		},
	}
	probe := Probe{Tool: ApifyUserTool, Args: struct{}{}}
	return NewToolAdapter("apify", bindings, probe, deps)
}
