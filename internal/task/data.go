package task

// Data is the normalised output of a task. Each variant belongs to exactly
// one output family, reported by Kind.
type Data interface {
	Kind() Type
	// Sanitize rewrites every free-text field through clean. Adapters call
	// it before a result leaves the adapter boundary.
	Sanitize(clean func(string) string)
}

// SearchHit is a single semantic search match.
type SearchHit struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Snippet       string  `json:"snippet,omitempty"`
	Score         float64 `json:"score,omitempty"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// SearchResults is the output of semantic_search.
type SearchResults struct {
	Query string      `json:"query"`
	Hits  []SearchHit `json:"hits"`
}

func (SearchResults) Kind() Type { return SemanticSearch }

func (d *SearchResults) Sanitize(clean func(string) string) {
	for i := range d.Hits {
		d.Hits[i].Title = clean(d.Hits[i].Title)
		d.Hits[i].Snippet = clean(d.Hits[i].Snippet)
	}
}

// Document is the output of page_markdown and a page inside a crawl.
type Document struct {
	URL      string            `json:"url"`
	Title    string            `json:"title,omitempty"`
	Markdown string            `json:"markdown"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (Document) Kind() Type { return PageMarkdown }

func (d *Document) Sanitize(clean func(string) string) {
	d.Title = clean(d.Title)
	d.Markdown = clean(d.Markdown)
	for k, v := range d.Metadata {
		d.Metadata[k] = clean(v)
	}
}

// ScreenshotImage is the output of screenshot. Either ImageURL or Base64 is set.
type ScreenshotImage struct {
	URL         string `json:"url"`
	ImageURL    string `json:"image_url,omitempty"`
	Base64      string `json:"base64,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

func (ScreenshotImage) Kind() Type { return Screenshot }

// Sanitize is a no-op: images carry no free text.
func (d *ScreenshotImage) Sanitize(func(string) string) {}

// CrawlResult is the output of site_crawl.
type CrawlResult struct {
	RootURL string     `json:"root_url"`
	Pages   []Document `json:"pages"`
}

func (CrawlResult) Kind() Type { return SiteCrawl }

func (d *CrawlResult) Sanitize(clean func(string) string) {
	for i := range d.Pages {
		d.Pages[i].Sanitize(clean)
	}
}

// SocialPost is one scraped post.
type SocialPost struct {
	ID        string `json:"id"`
	Author    string `json:"author,omitempty"`
	Text      string `json:"text"`
	URL       string `json:"url,omitempty"`
	Likes     int64  `json:"likes,omitempty"`
	Comments  int64  `json:"comments,omitempty"`
	Shares    int64  `json:"shares,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// SocialPosts is the output of social_scrape.
type SocialPosts struct {
	Platform string       `json:"platform"`
	Posts    []SocialPost `json:"posts"`
}

func (SocialPosts) Kind() Type { return SocialScrape }

func (d *SocialPosts) Sanitize(clean func(string) string) {
	for i := range d.Posts {
		d.Posts[i].Author = clean(d.Posts[i].Author)
		d.Posts[i].Text = clean(d.Posts[i].Text)
	}
}

// TrendPoint is one interest sample.
type TrendPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// KeywordTrend is the series for one keyword.
type KeywordTrend struct {
	Keyword string       `json:"keyword"`
	Points  []TrendPoint `json:"points"`
}

// TrendSeries is the output of trend_analysis.
type TrendSeries struct {
	Region string         `json:"region,omitempty"`
	Trends []KeywordTrend `json:"trends"`
}

func (TrendSeries) Kind() Type { return TrendAnalysis }

// Sanitize is a no-op: keywords were supplied by the caller.
func (d *TrendSeries) Sanitize(func(string) string) {}

// KeywordStat is the volume of one keyword.
type KeywordStat struct {
	Keyword      string  `json:"keyword"`
	SearchVolume int64   `json:"search_volume"`
	CPC          float64 `json:"cpc,omitempty"`
	Competition  float64 `json:"competition,omitempty"`
}

// KeywordVolumes is the output of keyword_volume.
type KeywordVolumes struct {
	Region   string        `json:"region,omitempty"`
	Keywords []KeywordStat `json:"keywords"`
}

func (KeywordVolumes) Kind() Type { return KeywordVolume }

// Sanitize is a no-op: keywords were supplied by the caller.
func (d *KeywordVolumes) Sanitize(func(string) string) {}

// Link is one discovered link.
type Link struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Links is the output of link_discovery.
type Links struct {
	Source string `json:"source,omitempty"`
	Links  []Link `json:"links"`
}

func (Links) Kind() Type { return LinkDiscovery }

func (d *Links) Sanitize(clean func(string) string) {
	for i := range d.Links {
		d.Links[i].Title = clean(d.Links[i].Title)
	}
}
