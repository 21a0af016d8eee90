package adapter

import (
	"encoding/json"
	"errors"

	"github.com/dskow/taskrouter/internal/task"
)

// BrowserlessScreenshotTool renders a page in headless Chrome.
const BrowserlessScreenshotTool = "browserless_screenshot"

type browserlessArgs struct {
	URL      string `json:"url"`
	Options  struct {
		FullPage bool   `json:"fullPage"`
		Type     string `json:"type"`
	} `json:"options"`
	Viewport *browserlessViewport `json:"viewport,omitempty"`
}

type browserlessViewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type browserlessResponse struct {
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// NewBrowserless returns the Browserless adapter.
func NewBrowserless(deps Deps) *ToolAdapter {
	bindings := map[task.Type]Binding{
		task.Screenshot: {
			Tool: BrowserlessScreenshotTool,
			Args: func(in task.Input) (any, error) {
				s, err := inputAs[task.ScreenshotInput](in)
				if err != nil {
					return nil, err
				}
				args := browserlessArgs{URL: s.URL}
				args.Options.FullPage = s.FullPage
				args.Options.Type = "png"
				if s.Width > 0 && s.Height > 0 {
					args.Viewport = &browserlessViewport{Width: s.Width, Height: s.Height}
				}
				return args, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				var resp browserlessResponse
				if err := json.Unmarshal(raw, &resp); err != nil {
					return nil, err
				}
				if resp.Data == "" {
					return nil, errors.New("empty image")
				}
				s, _ := in.(task.ScreenshotInput)
				ct := resp.ContentType
				if ct == "" {
					ct = "image/png"
				}
				return &task.ScreenshotImage{
					URL:         s.URL,
					Base64:      resp.Data,
					ContentType: ct,
					Width:       resp.Width,
					Height:      resp.Height,
				}, nil
			},
		},
	}
	probe := Probe{Tool: BrowserlessScreenshotTool, Args: browserlessArgs{URL: "about:blank"}}
	return NewToolAdapter("browserless", bindings, probe, deps)
}
