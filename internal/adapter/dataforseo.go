package adapter

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dskow/taskrouter/internal/task"
)

// DataForSEO bridge tools.
const (
	DataForSEOTrendsTool = "dataforseo_trends_explore"
	DataForSEOVolumeTool = "dataforseo_search_volume"
	DataForSEOUserTool   = "dataforseo_user_data"
)

// dataforseoOK is the API's task-level success status.
const dataforseoOK = 20000

const (
	dataforseoDefaultLocation = "United States"
	dataforseoDefaultLanguage = "English"
	dataforseoDefaultRange    = "past_12_months"
)

type dataforseoTrendsArgs struct {
	Keywords     []string `json:"keywords"`
	LocationName string   `json:"location_name"`
	TimeRange    string   `json:"time_range"`
}

type dataforseoVolumeArgs struct {
	Keywords     []string `json:"keywords"`
	LocationName string   `json:"location_name"`
	LanguageName string   `json:"language_name"`
}

type dataforseoResponse[T any] struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Tasks         []struct {
		StatusCode    int    `json:"status_code"`
		StatusMessage string `json:"status_message"`
		Result        []T    `json:"result"`
	} `json:"tasks"`
}

// results flattens every task's result list after checking status codes at
// both levels.
func (r dataforseoResponse[T]) results() ([]T, error) {
	if r.StatusCode != 0 && r.StatusCode != dataforseoOK {
		return nil, fmt.Errorf("dataforseo %d: %s", r.StatusCode, r.StatusMessage)
	}
	if len(r.Tasks) == 0 {
		return nil, errors.New("dataforseo returned no tasks")
	}
	var out []T
	for _, t := range r.Tasks {
		if t.StatusCode != dataforseoOK {
			return nil, fmt.Errorf("dataforseo task %d: %s", t.StatusCode, t.StatusMessage)
		}
		out = append(out, t.Result...)
	}
	return out, nil
}

type dataforseoTrend struct {
	Keyword string `json:"keyword"`
	Data    []struct {
		DateFrom string  `json:"date_from"`
		Value    float64 `json:"value"`
	} `json:"data"`
}

type dataforseoVolume struct {
	Keyword      string  `json:"keyword"`
	SearchVolume int64   `json:"search_volume"`
	CPC          float64 `json:"cpc"`
	Competition  float64 `json:"competition_index"`
}

func decodeDataForSEO[T any](raw json.RawMessage) ([]T, error) {
	var resp dataforseoResponse[T]
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.results()
}

func orDefaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// NewDataForSEO returns the DataForSEO adapter for trend and keyword data.
func NewDataForSEO(deps Deps) *ToolAdapter {
	bindings := map[task.Type]Binding{
		task.TrendAnalysis: {
			Tool: DataForSEOTrendsTool,
			Args: func(in task.Input) (any, error) {
				t, err := inputAs[task.TrendAnalysisInput](in)
				if err != nil {
					return nil, err
				}
				return dataforseoTrendsArgs{
					Keywords:     t.Keywords,
					LocationName: orDefaultString(t.Region, dataforseoDefaultLocation),
					TimeRange:    orDefaultString(t.Timeframe, dataforseoDefaultRange),
				}, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				rows, err := decodeDataForSEO[dataforseoTrend](raw)
				if err != nil {
					return nil, err
				}
				t, _ := in.(task.TrendAnalysisInput)
				out := &task.TrendSeries{Region: t.Region, Trends: make([]task.KeywordTrend, 0, len(rows))}
				for _, r := range rows {
					kt := task.KeywordTrend{Keyword: r.Keyword, Points: make([]task.TrendPoint, 0, len(r.Data))}
					for _, d := range r.Data {
						kt.Points = append(kt.Points, task.TrendPoint{Date: d.DateFrom, Value: d.Value})
					}
					out.Trends = append(out.Trends, kt)
				}
				return out, nil
			},
		},
		task.KeywordVolume: {
			Tool: DataForSEOVolumeTool,
			Args: func(in task.Input) (any, error) {
				k, err := inputAs[task.KeywordVolumeInput](in)
				if err != nil {
					return nil, err
				}
				return dataforseoVolumeArgs{
					Keywords:     k.Keywords,
					LocationName: orDefaultString(k.Region, dataforseoDefaultLocation),
					LanguageName: orDefaultString(k.Language, dataforseoDefaultLanguage),
				}, nil
			},
			Decode: func(in task.Input, raw json.RawMessage) (task.Data, error) {
				rows, err := decodeDataForSEO[dataforseoVolume](raw)
				if err != nil {
					return nil, err
				}
				k, _ := in.(task.KeywordVolumeInput)
				out := &task.KeywordVolumes{Region: k.Region, Keywords: make([]task.KeywordStat, 0, len(rows))}
				for _, r := range rows {
					out.Keywords = append(out.Keywords, task.KeywordStat{
						Keyword:      r.Keyword,
						SearchVolume: r.SearchVolume,
						CPC:          r.CPC,
						Competition:  r.Competition,
					})
				}
				return out, nil
			},
		},
	}
	probe := Probe{Tool: DataForSEOUserTool, Args: struct{}{}}
	return NewToolAdapter("dataforseo", bindings, probe, deps)
}
