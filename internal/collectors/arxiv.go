package collectors

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/taskerrors"
)

const arxivBaseURL = "https://export.arxiv.org/api/query"

// ArxivCollector searches arXiv through its Atom API. No API key is
// required; arXiv asks clients to stay under one request per three
// seconds, which the limiter enforces.
type ArxivCollector struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewArxivCollector(client *http.Client, logger *zap.Logger) *ArxivCollector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ArxivCollector{
		baseURL: arxivBaseURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
		logger:  logger,
	}
}

func (a *ArxivCollector) Name() string       { return "arxiv" }
func (a *ArxivCollector) SourceType() string { return models.SourceTypeAcademic }

type arxivFeed struct {
	Entries []struct {
		Title     string `xml:"title"`
		Summary   string `xml:"summary"`
		ID        string `xml:"id"`
		Published string `xml:"published"`
		Authors   []struct {
			Name string `xml:"name"`
		} `xml:"author"`
		Links []struct {
			Href string `xml:"href,attr"`
			Rel  string `xml:"rel,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

// Search queries arXiv sorted by submission date. daysBack filters
// locally since the API has no date window parameter for plain queries.
func (a *ArxivCollector) Search(ctx context.Context, query string, maxResults, daysBack int) ([]models.Document, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, &taskerrors.CollectorError{Source: a.Name(), Query: query, Err: err}
	}

	params := url.Values{}
	params.Set("search_query", "all:"+query)
	params.Set("sortBy", "submittedDate")
	params.Set("sortOrder", "descending")
	params.Set("max_results", fmt.Sprintf("%d", maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &taskerrors.CollectorError{Source: a.Name(), Query: query, Err: err}
	}
	req.Header.Set("User-Agent", "scribe/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &taskerrors.CollectorError{Source: a.Name(), Query: query, Err: taskerrors.Transient(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &taskerrors.CollectorError{Source: a.Name(), Query: query, Err: taskerrors.Transientf("HTTP %d from arxiv", resp.StatusCode)}
	}

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, &taskerrors.CollectorError{Source: a.Name(), Query: query, Err: fmt.Errorf("decode atom feed: %w", err)}
	}

	cutoff := time.Time{}
	if daysBack > 0 {
		cutoff = time.Now().AddDate(0, 0, -daysBack)
	}

	docs := make([]models.Document, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		published, _ := time.Parse(time.RFC3339, e.Published)
		if !cutoff.IsZero() && !published.IsZero() && published.Before(cutoff) {
			continue
		}
		link := e.ID
		for _, l := range e.Links {
			if l.Rel == "alternate" && l.Href != "" {
				link = l.Href
			}
		}
		authors := make([]string, 0, len(e.Authors))
		for _, au := range e.Authors {
			authors = append(authors, au.Name)
		}
		publishDate := ""
		if !published.IsZero() {
			publishDate = published.Format("2006-01-02")
		}
		docs = append(docs, models.Document{
			Title:       strings.TrimSpace(e.Title),
			Content:     strings.TrimSpace(e.Summary),
			URL:         link,
			Source:      a.Name(),
			SourceType:  models.SourceTypeAcademic,
			PublishDate: publishDate,
			Authors:     authors,
			Venue:       "arXiv",
		})
		if len(docs) >= maxResults {
			break
		}
	}
	a.logger.Debug("arXiv search complete",
		zap.String("query", query),
		zap.Int("results", len(docs)),
	)
	return docs, nil
}
