// Package task defines the work orders the router dispatches and the results
// it returns. Inputs and outputs are tagged unions keyed by Type so that each
// task family has a statically known shape.
package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Type is the closed set of dispatchable task kinds.
type Type string

const (
	SemanticSearch Type = "semantic_search"
	PageMarkdown   Type = "page_markdown"
	Screenshot     Type = "screenshot"
	SiteCrawl      Type = "site_crawl"
	SocialScrape   Type = "social_scrape"
	TrendAnalysis  Type = "trend_analysis"
	KeywordVolume  Type = "keyword_volume"
	LinkDiscovery  Type = "link_discovery"
)

// Types lists every known task type in a stable order.
var Types = []Type{
	SemanticSearch, PageMarkdown, Screenshot, SiteCrawl,
	SocialScrape, TrendAnalysis, KeywordVolume, LinkDiscovery,
}

// Valid reports whether t is part of the closed enum.
func (t Type) Valid() bool {
	_, ok := inputDecoders[t]
	return ok
}

// Priority orders tasks for observability; it does not change dispatch.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Options are optional per-task dispatch overrides.
type Options struct {
	TimeoutMs     int64    `json:"timeout_ms,omitempty"`
	Priority      Priority `json:"priority,omitempty"`
	ForceProvider string   `json:"force_provider,omitempty"`
	Retries       int      `json:"retries,omitempty"`
}

// Timeout returns the caller-requested bound, or 0 when unset.
func (o Options) Timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Task is an immutable work order. TenantID is the isolation boundary and is
// never used to share state between tenants.
type Task struct {
	ID       string   `json:"id"`
	Type     Type     `json:"type"`
	TenantID string   `json:"tenant_id"`
	Input    Input    `json:"input"`
	Options  *Options `json:"options,omitempty"`
}

// Opts returns the task options, or the zero value when none were given.
func (t *Task) Opts() Options {
	if t.Options == nil {
		return Options{}
	}
	return *t.Options
}

// wireTask is the JSON shape of a Task with the input left undecoded.
type wireTask struct {
	ID       string          `json:"id"`
	Type     Type            `json:"type"`
	TenantID string          `json:"tenant_id"`
	Input    json.RawMessage `json:"input"`
	Options  *Options        `json:"options,omitempty"`
}

// UnmarshalJSON decodes the input variant selected by the type field.
// Unknown input fields are rejected so that an input written for one type
// cannot silently pass as another. A task whose type is unknown decodes with
// a nil Input and is rejected later by Validate.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.ID = w.ID
	t.Type = w.Type
	t.TenantID = w.TenantID
	t.Options = w.Options
	t.Input = nil

	decode, ok := inputDecoders[w.Type]
	if !ok || len(w.Input) == 0 || string(w.Input) == "null" {
		return nil
	}

	in, err := decode(w.Input)
	if err != nil {
		return &InputDecodeError{Type: w.Type, Err: err}
	}
	t.Input = in
	return nil
}

// InputDecodeError reports an input payload that does not fit its declared type.
type InputDecodeError struct {
	Type Type
	Err  error
}

func (e *InputDecodeError) Error() string {
	return fmt.Sprintf("input does not match task type %q: %v", e.Type, e.Err)
}

func (e *InputDecodeError) Unwrap() error { return e.Err }

func decodeStrict[T Input](raw json.RawMessage) (Input, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

var inputDecoders = map[Type]func(json.RawMessage) (Input, error){
	SemanticSearch: decodeStrict[SemanticSearchInput],
	PageMarkdown:   decodeStrict[PageMarkdownInput],
	Screenshot:     decodeStrict[ScreenshotInput],
	SiteCrawl:      decodeStrict[SiteCrawlInput],
	SocialScrape:   decodeStrict[SocialScrapeInput],
	TrendAnalysis:  decodeStrict[TrendAnalysisInput],
	KeywordVolume:  decodeStrict[KeywordVolumeInput],
	LinkDiscovery:  decodeStrict[LinkDiscoveryInput],
}
