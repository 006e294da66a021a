package githubtrending

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-thinking/taotie/event"
)

const trendingPage = `
<html><body>
<article class="Box-row">
  <h2 class="h3 lh-condensed"><a href="/acme/widgets">acme / widgets</a></h2>
  <p class="col-9 color-fg-muted my-1 pr-4">A library for widgets.</p>
  <span itemprop="programmingLanguage">Go</span>
  <a class="Link--muted" href="/acme/widgets/stargazers">1,234</a>
  <a class="Link--muted" href="/acme/widgets/forks">56</a>
</article>
<article class="Box-row">
  <h2 class="h3 lh-condensed"><a href="/umbrella/sprockets">umbrella / sprockets</a></h2>
  <span itemprop="programmingLanguage">Rust</span>
  <a class="Link--muted" href="/umbrella/sprockets/stargazers">987</a>
</article>
</body></html>`

func TestExtractRepos(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(trendingPage))
	require.NoError(t, err)

	repos := extractRepos(doc)
	require.Len(t, repos, 2)

	assert.Equal(t, "acme/widgets", repos[0].Name)
	assert.Equal(t, "https://github.com/acme/widgets", repos[0].URL)
	assert.Equal(t, "A library for widgets.", repos[0].Description)
	assert.Equal(t, "Go", repos[0].Language)
	assert.Equal(t, "1,234", repos[0].Stars)
	assert.Equal(t, "56", repos[0].Forks)

	assert.Equal(t, "umbrella/sprockets", repos[1].Name)
	assert.Empty(t, repos[1].Description)
	assert.Empty(t, repos[1].Forks)
}

func TestPullProducesFingerprintedEvents(t *testing.T) {
	raw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/master/README.md") {
			fmt.Fprint(w, "# widgets\nA very long readme that should be truncated somewhere.")
			return
		}
		http.NotFound(w, r)
	}))
	defer raw.Close()

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, trendingPage)
	}))
	defer page.Close()

	a, err := New(Config{
		URL:            page.URL,
		RawBaseURL:     raw.URL,
		ReadmeTruncate: 16,
		Timeout:        2 * time.Second,
	})
	require.NoError(t, err)

	events, err := a.Pull(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, SourceName, events[0].Source)
	assert.Equal(t, event.KindPoll, events[0].Kind)
	assert.Equal(t, event.FingerprintContent("github-repo", "acme/widgets"), events[0].Fingerprint)

	var repo RepoInfo
	require.NoError(t, json.Unmarshal(events[0].Payload, &repo))
	assert.Equal(t, "acme/widgets", repo.Name)
	assert.Len(t, repo.Readme, 16, "readme is truncated to the configured size")
}

func TestPullSameListingSameFingerprints(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, trendingPage)
	}))
	defer page.Close()
	raw := httptest.NewServer(http.NotFoundHandler())
	defer raw.Close()

	a, err := New(Config{URL: page.URL, RawBaseURL: raw.URL})
	require.NoError(t, err)

	first, err := a.Pull(context.Background())
	require.NoError(t, err)
	second, err := a.Pull(context.Background())
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Fingerprint, second[i].Fingerprint,
			"re-polling an unchanged listing must reproduce fingerprints for dedup")
		assert.NotEqual(t, first[i].ID, second[i].ID, "occurrence IDs stay unique")
	}
}

func TestPullServerErrorIsTransient(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer page.Close()

	a, err := New(Config{URL: page.URL})
	require.NoError(t, err)

	_, err = a.Pull(context.Background())
	require.Error(t, err)
}
