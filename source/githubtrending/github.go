// Package githubtrending polls the GitHub trending page and emits one
// event per listed repository, enriched with a truncated README.
package githubtrending

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
const SourceName = "github-trending"

// Config holds configuration for the trending adapter.
type Config struct {
	// URL is the trending page (default: https://github.com/trending).
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// RawBaseURL is where READMEs are fetched from
	// (default: https://raw.githubusercontent.com).
	RawBaseURL string `json:"raw_base_url,omitempty" yaml:"raw_base_url,omitempty"`

	// Interval between polls (default: 12h).
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// ReadmeTruncate caps README bytes carried in the event (default: 2000).
	ReadmeTruncate int `json:"readme_truncate,omitempty" yaml:"readme_truncate,omitempty"`

	// Timeout bounds each HTTP request (default: 20s).
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Interval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "interval cannot be negative")
	}
	if c.ReadmeTruncate < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "readme_truncate cannot be negative")
	}
	return nil
}

// RepoInfo is the normalized payload for one trending repository.
type RepoInfo struct {
	Name        string `json:"repo_name"`
	URL         string `json:"repo_url"`
	Description string `json:"repo_desc,omitempty"`
	Language    string `json:"repo_lang,omitempty"`
	Stars       string `json:"repo_star,omitempty"`
	Forks       string `json:"repo_fork,omitempty"`
	Readme      string `json:"repo_readme,omitempty"`
}

// Adapter scrapes the trending page.
type Adapter struct {
	url        string
	rawBaseURL string
	interval   time.Duration
	truncate   int
	client     *http.Client
}

// New creates a trending adapter from configuration.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		cfg.URL = "https://github.com/trending"
	}
	if cfg.RawBaseURL == "" {
		cfg.RawBaseURL = "https://raw.githubusercontent.com"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 12 * time.Hour
	}
	if cfg.ReadmeTruncate == 0 {
		cfg.ReadmeTruncate = 2000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}

	return &Adapter{
		url:        cfg.URL,
		rawBaseURL: strings.TrimRight(cfg.RawBaseURL, "/"),
		interval:   cfg.Interval,
		truncate:   cfg.ReadmeTruncate,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return SourceName }

// Interval returns the poll interval.
func (a *Adapter) Interval() time.Duration { return a.interval }

// Pull scrapes the trending page and returns one event per repository.
// The repository name is the dedup fingerprint, so a repo trending for
// several days in a row is ingested once per fingerprint TTL.
func (a *Adapter) Pull(ctx context.Context) ([]event.Event, error) {
	doc, err := a.fetchDocument(ctx, a.url)
	if err != nil {
		return nil, err
	}

	repos := extractRepos(doc)
	events := make([]event.Event, 0, len(repos))
	for _, repo := range repos {
		repo.Readme = a.fetchReadme(ctx, repo.Name)

		ev, err := event.New(SourceName, event.KindPoll, event.FingerprintContent("github-repo", repo.Name), repo)
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
		return nil, errors.WrapTransient(err, "Adapter", "Pull", "fetch trending page")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(errors.ErrUnavailable, "Adapter", "Pull",
			fmt.Sprintf("trending page returned %d", resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Adapter", "Pull", "parse trending page")
	}
	return doc, nil
}

// extractRepos pulls repository metadata out of the trending page markup.
func extractRepos(doc *goquery.Document) []RepoInfo {
	var repos []RepoInfo

	doc.Find("article.Box-row").Each(func(_ int, row *goquery.Selection) {
		href, ok := row.Find("h2 a").First().Attr("href")
		if !ok || href == "" {
			return
		}
		name := strings.TrimPrefix(strings.TrimSpace(href), "/")

		repo := RepoInfo{
			Name:        name,
			URL:         "https://github.com/" + name,
			Description: strings.TrimSpace(row.Find("p").First().Text()),
			Language:    strings.TrimSpace(row.Find("span[itemprop='programmingLanguage']").First().Text()),
		}

		row.Find("a").Each(func(_ int, link *goquery.Selection) {
			linkHref, _ := link.Attr("href")
			switch {
			case strings.HasSuffix(linkHref, "/stargazers"):
				repo.Stars = strings.TrimSpace(link.Text())
			case strings.HasSuffix(linkHref, "/forks"):
				repo.Forks = strings.TrimSpace(link.Text())
			}
		})

		repos = append(repos, repo)
	})

	return repos
}

// fetchReadme tries the master branch, then main. A missing README is
// not an error; the event just carries less content.
func (a *Adapter) fetchReadme(ctx context.Context, name string) string {
	for _, branch := range []string{"master", "main"} {
		url := fmt.Sprintf("%s/%s/%s/README.md", a.rawBaseURL, name, branch)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return ""
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return ""
		}

		if resp.StatusCode == http.StatusOK {
			body, err := io.ReadAll(io.LimitReader(resp.Body, int64(a.truncate)))
			_ = resp.Body.Close()
			if err != nil {
				return ""
			}
			return string(body)
		}
		_ = resp.Body.Close()
	}
	return ""
}
