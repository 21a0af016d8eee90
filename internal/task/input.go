package task

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Input is the type-specific payload of a Task.
type Input interface {
	// Kind is the task type this input variant belongs to.
	Kind() Type
	// Validate checks the variant's own fields.
	Validate() error
}

// SemanticSearchInput asks for documents semantically related to Query.
type SemanticSearchInput struct {
	Query      string   `json:"query"`
	NumResults int      `json:"num_results,omitempty"`
	Domains    []string `json:"domains,omitempty"`
}

func (SemanticSearchInput) Kind() Type { return SemanticSearch }

func (in SemanticSearchInput) Validate() error {
	if strings.TrimSpace(in.Query) == "" {
		return errors.New("query is required")
	}
	if in.NumResults < 0 || in.NumResults > 100 {
		return fmt.Errorf("num_results must be between 0 and 100, got %d", in.NumResults)
	}
	return nil
}

// PageMarkdownInput converts a single page to markdown.
type PageMarkdownInput struct {
	URL             string `json:"url"`
	OnlyMainContent bool   `json:"only_main_content,omitempty"`
}

func (PageMarkdownInput) Kind() Type { return PageMarkdown }

func (in PageMarkdownInput) Validate() error { return validateURL(in.URL) }

// ScreenshotInput renders a page to an image.
type ScreenshotInput struct {
	URL      string `json:"url"`
	FullPage bool   `json:"full_page,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

func (ScreenshotInput) Kind() Type { return Screenshot }

func (in ScreenshotInput) Validate() error {
	if err := validateURL(in.URL); err != nil {
		return err
	}
	if in.Width < 0 || in.Height < 0 {
		return errors.New("width and height must be non-negative")
	}
	return nil
}

// SiteCrawlInput crawls a site starting from URL.
type SiteCrawlInput struct {
	URL      string `json:"url"`
	MaxPages int    `json:"max_pages,omitempty"`
	MaxDepth int    `json:"max_depth,omitempty"`
}

func (SiteCrawlInput) Kind() Type { return SiteCrawl }

func (in SiteCrawlInput) Validate() error {
	if err := validateURL(in.URL); err != nil {
		return err
	}
	if in.MaxPages < 0 || in.MaxDepth < 0 {
		return errors.New("max_pages and max_depth must be non-negative")
	}
	return nil
}

// SocialScrapeInput collects posts from a social platform by handle or query.
type SocialScrapeInput struct {
	Platform string `json:"platform"`
	Handle   string `json:"handle,omitempty"`
	Query    string `json:"query,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// SocialPlatforms are the platforms social scraping accepts.
var SocialPlatforms = map[string]bool{
	"instagram": true,
	"tiktok":    true,
	"twitter":   true,
	"linkedin":  true,
	"facebook":  true,
	"youtube":   true,
}

func (SocialScrapeInput) Kind() Type { return SocialScrape }

func (in SocialScrapeInput) Validate() error {
	if !SocialPlatforms[strings.ToLower(in.Platform)] {
		return fmt.Errorf("unsupported platform %q", in.Platform)
	}
	if in.Handle == "" && in.Query == "" {
		return errors.New("one of handle or query is required")
	}
	if in.Limit < 0 {
		return errors.New("limit must be non-negative")
	}
	return nil
}

// TrendAnalysisInput asks for interest-over-time of Keywords.
type TrendAnalysisInput struct {
	Keywords  []string `json:"keywords"`
	Region    string   `json:"region,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
}

func (TrendAnalysisInput) Kind() Type { return TrendAnalysis }

func (in TrendAnalysisInput) Validate() error { return validateKeywords(in.Keywords) }

// KeywordVolumeInput asks for monthly search volume of Keywords.
type KeywordVolumeInput struct {
	Keywords []string `json:"keywords"`
	Region   string   `json:"region,omitempty"`
	Language string   `json:"language,omitempty"`
}

func (KeywordVolumeInput) Kind() Type { return KeywordVolume }

func (in KeywordVolumeInput) Validate() error { return validateKeywords(in.Keywords) }

// LinkDiscoveryInput finds pages linking to, or similar to, URL.
type LinkDiscoveryInput struct {
	URL   string `json:"url,omitempty"`
	Query string `json:"query,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (LinkDiscoveryInput) Kind() Type { return LinkDiscovery }

func (in LinkDiscoveryInput) Validate() error {
	if in.URL == "" && in.Query == "" {
		return errors.New("one of url or query is required")
	}
	if in.URL != "" {
		return validateURL(in.URL)
	}
	return nil
}

const maxKeywords = 100

func validateKeywords(kw []string) error {
	if len(kw) == 0 {
		return errors.New("at least one keyword is required")
	}
	if len(kw) > maxKeywords {
		return fmt.Errorf("at most %d keywords are allowed, got %d", maxKeywords, len(kw))
	}
	for i, k := range kw {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("keywords[%d] is empty", i)
		}
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}
