// Package arxiv polls the arXiv Atom API for recent papers by a
// configured set of authors.
package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
)

// SourceName identifies this adapter in logs and events.
const SourceName = "arxiv"

// Config holds configuration for the arXiv adapter.
type Config struct {
	// BaseURL is the Atom API endpoint
	// (default: http://export.arxiv.org/api/query).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Authors to poll for. At least one is required.
	Authors []string `json:"authors" yaml:"authors"`

	// MaxResults per author query (default: 2).
	MaxResults int `json:"max_results,omitempty" yaml:"max_results,omitempty"`

	// Lookback drops papers published longer than this ago (default: 90 days).
	Lookback time.Duration `json:"lookback,omitempty" yaml:"lookback,omitempty"`

	// Interval between polls (default: 3h).
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// Timeout bounds each API request (default: 20s).
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Authors) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "at least one author is required")
	}
	if c.MaxResults < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_results cannot be negative")
	}
	if c.Lookback < 0 || c.Interval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "durations cannot be negative")
	}
	return nil
}

// PaperInfo is the normalized payload for one paper.
type PaperInfo struct {
	Title     string `json:"title"`
	Authors   string `json:"authors"`
	Abstract  string `json:"abstract"`
	URL       string `json:"url"`
	Published string `json:"published"`
	Updated   string `json:"updated,omitempty"`
}

// Adapter polls the Atom API per configured author.
type Adapter struct {
	baseURL    string
	authors    []string
	maxResults int
	lookback   time.Duration
	interval   time.Duration
	client     *http.Client
}

// New creates an arXiv adapter from configuration.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://export.arxiv.org/api/query"
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 2
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = 90 * 24 * time.Hour
	}
	if cfg.Interval == 0 {
		cfg.Interval = 3 * time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}

	return &Adapter{
		baseURL:    cfg.BaseURL,
		authors:    cfg.Authors,
		maxResults: cfg.MaxResults,
		lookback:   cfg.Lookback,
		interval:   cfg.Interval,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return SourceName }

// Interval returns the poll interval.
func (a *Adapter) Interval() time.Duration { return a.interval }

// Pull queries each author and returns one event per recent paper.
// The canonical paper URL is the fingerprint, so the same paper found
// through two authors dedups at the gate.
func (a *Adapter) Pull(ctx context.Context) ([]event.Event, error) {
	var events []event.Event
	cutoff := time.Now().Add(-a.lookback)

	for _, author := range a.authors {
		feed, err := a.query(ctx, author)
		if err != nil {
			return events, err
		}

		for _, entry := range feed.Entries {
			paper, ok := normalizeEntry(entry, cutoff)
			if !ok {
				continue
			}

			fp, err := event.FingerprintURL(paper.URL)
			if err != nil {
				// Feed entry without a canonical absolute URL; nothing
				// stable to dedup on, so skip it.
				continue
			}

			ev, err := event.New(SourceName, event.KindPoll, fp, paper)
			if err != nil {
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func (a *Adapter) query(ctx context.Context, author string) (*feed, error) {
	q := url.Values{}
	q.Set("search_query", fmt.Sprintf("au:%q", author))
	q.Set("max_results", fmt.Sprintf("%d", a.maxResults))
	q.Set("sortBy", "submittedDate")
	q.Set("sortOrder", "descending")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Adapter", "Pull", "build request")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "Adapter", "Pull", "query author "+author)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(errors.ErrUnavailable, "Adapter", "Pull",
			fmt.Sprintf("arxiv returned %d for author %s", resp.StatusCode, author))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapTransient(err, "Adapter", "Pull", "read feed")
	}
	return parseFeed(body)
}

// Atom feed shapes, trimmed to what the pipeline carries.
type feed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []feedEntry `xml:"entry"`
}

type feedEntry struct {
	ID        string       `xml:"id"`
	Title     string       `xml:"title"`
	Summary   string       `xml:"summary"`
	Published string       `xml:"published"`
	Updated   string       `xml:"updated"`
	Authors   []feedAuthor `xml:"author"`
}

type feedAuthor struct {
	Name string `xml:"name"`
}

func parseFeed(data []byte) (*feed, error) {
	var f feed
	if err := xml.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapInvalid(err, "Adapter", "parseFeed", "decode atom feed")
	}
	return &f, nil
}

// normalizeEntry converts an Atom entry to a payload, dropping papers
// published before the cutoff.
func normalizeEntry(entry feedEntry, cutoff time.Time) (PaperInfo, bool) {
	published, err := time.Parse("2006-01-02T15:04:05Z", entry.Published)
	if err != nil || published.Before(cutoff) {
		return PaperInfo{}, false
	}

	names := make([]string, 0, len(entry.Authors))
	for _, au := range entry.Authors {
		names = append(names, strings.TrimSpace(au.Name))
	}

	return PaperInfo{
		Title:     strings.Join(strings.Fields(entry.Title), " "),
		Authors:   strings.Join(names, ", "),
		Abstract:  strings.TrimSpace(entry.Summary),
		URL:       strings.TrimSpace(entry.ID),
		Published: entry.Published,
		Updated:   entry.Updated,
	}, true
}
