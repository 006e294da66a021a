// Package huggingface polls the Hugging Face Open LLM leaderboard and
// emits one event per top-ranked model, enriched with a truncated model
// card.
package huggingface

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
)

// SourceName identifies this adapter in logs and events.
const SourceName = "huggingface-leaderboard"

// Config holds configuration for the leaderboard adapter.
type Config struct {
	// URL is the leaderboard page
	// (default: https://huggingface.co/spaces/HuggingFaceH4/open_llm_leaderboard).
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// HubBaseURL is where model cards are fetched from
	// (default: https://huggingface.co).
	HubBaseURL string `json:"hub_base_url,omitempty" yaml:"hub_base_url,omitempty"`

	// Interval between polls (default: 12h).
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// MaxModels caps how many leaderboard rows become events (default: 10).
	MaxModels int `json:"max_models,omitempty" yaml:"max_models,omitempty"`

	// CardTruncate caps model-card bytes carried in the event (default: 2000).
	CardTruncate int `json:"card_truncate,omitempty" yaml:"card_truncate,omitempty"`

	// Timeout bounds each HTTP request (default: 20s).
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Interval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "interval cannot be negative")
	}
	if c.MaxModels < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_models cannot be negative")
	}
	if c.CardTruncate < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "card_truncate cannot be negative")
	}
	return nil
}

// ModelInfo is the normalized payload for one leaderboard entry.
type ModelInfo struct {
	Name string `json:"model_name"`
	URL  string `json:"model_url"`
	Rank int    `json:"model_rank"`
	Card string `json:"model_card,omitempty"`
}

// Adapter scrapes the leaderboard page.
type Adapter struct {
	url        string
	hubBaseURL string
	interval   time.Duration
	maxModels  int
	truncate   int
	client     *http.Client
}

// New creates a leaderboard adapter from configuration.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		cfg.URL = "https://huggingface.co/spaces/HuggingFaceH4/open_llm_leaderboard"
	}
	if cfg.HubBaseURL == "" {
		cfg.HubBaseURL = "https://huggingface.co"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 12 * time.Hour
	}
	if cfg.MaxModels == 0 {
		cfg.MaxModels = 10
	}
	if cfg.CardTruncate == 0 {
		cfg.CardTruncate = 2000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}

	return &Adapter{
		url:        cfg.URL,
		hubBaseURL: strings.TrimRight(cfg.HubBaseURL, "/"),
		interval:   cfg.Interval,
		maxModels:  cfg.MaxModels,
		truncate:   cfg.CardTruncate,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return SourceName }

// Interval returns the poll interval.
func (a *Adapter) Interval() time.Duration { return a.interval }

// Pull scrapes the leaderboard and returns one event per top model. The
// model name is the dedup fingerprint, so a model holding its rank across
// polls is ingested once per fingerprint TTL.
func (a *Adapter) Pull(ctx context.Context) ([]event.Event, error) {
	doc, err := a.fetchDocument(ctx, a.url)
	if err != nil {
		return nil, err
	}

	models := extractModels(doc, a.maxModels)
	events := make([]event.Event, 0, len(models))
	for _, model := range models {
		model.Card = a.fetchCard(ctx, model.Name)

		ev, err := event.New(SourceName, event.KindPoll,
			event.FingerprintContent("huggingface-model", model.Name), model)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *Adapter) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Adapter", "Pull", "build request")
	}
	req.Header.Set("User-Agent", "taotie/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "Adapter", "Pull", "fetch leaderboard page")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(errors.ErrUnavailable, "Adapter", "Pull",
			fmt.Sprintf("leaderboard page returned %d", resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Adapter", "Pull", "parse leaderboard page")
	}
	return doc, nil
}

// extractModels pulls the top-ranked models out of the leaderboard table.
// Rows without a model link (headers, section breaks) are skipped without
// consuming a rank.
func extractModels(doc *goquery.Document, limit int) []ModelInfo {
	var models []ModelInfo

	doc.Find("table tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		link := row.Find("td a").First()
		name := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		if name == "" || href == "" {
			return true
		}

		url := href
		if strings.HasPrefix(url, "/") {
			url = "https://huggingface.co" + url
		}
		models = append(models, ModelInfo{
			Name: name,
			URL:  url,
			Rank: len(models) + 1,
		})
		return len(models) < limit
	})

	return models
}

// fetchCard reads the model's README from the hub. A missing card is not
// an error; the event just carries less content.
func (a *Adapter) fetchCard(ctx context.Context, name string) string {
	url := fmt.Sprintf("%s/%s/raw/main/README.md", a.hubBaseURL, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return ""
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(a.truncate)))
	if err != nil {
		return ""
	}
	return string(body)
}
