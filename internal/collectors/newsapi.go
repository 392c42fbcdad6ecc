package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/taskerrors"
)

const newsAPIBaseURL = "https://newsapi.org/v2/everything"

// NewsAPICollector searches recent news through the NewsAPI service.
type NewsAPICollector struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewNewsAPICollector(apiKey string, client *http.Client, logger *zap.Logger) *NewsAPICollector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &NewsAPICollector{
		apiKey:  apiKey,
		baseURL: newsAPIBaseURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(1), 2),
		logger:  logger,
	}
}

func (n *NewsAPICollector) Name() string       { return "newsapi" }
func (n *NewsAPICollector) SourceType() string { return models.SourceTypeNews }

type newsAPIResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Articles []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Content     string `json:"content"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
		Author      string `json:"author"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

func (n *NewsAPICollector) Search(ctx context.Context, query string, maxResults, daysBack int) ([]models.Document, error) {
	if n.apiKey == "" {
		return nil, &taskerrors.CollectorError{Source: n.Name(), Query: query, Err: taskerrors.FatalConfig("newsapi key not configured")}
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return nil, &taskerrors.CollectorError{Source: n.Name(), Query: query, Err: err}
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("pageSize", fmt.Sprintf("%d", maxResults))
	params.Set("sortBy", "publishedAt")
	params.Set("language", "en")
	if daysBack > 0 {
		params.Set("from", time.Now().AddDate(0, 0, -daysBack).Format("2006-01-02"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &taskerrors.CollectorError{Source: n.Name(), Query: query, Err: err}
	}
	req.Header.Set("X-Api-Key", n.apiKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, &taskerrors.CollectorError{Source: n.Name(), Query: query, Err: taskerrors.Transient(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &taskerrors.CollectorError{Source: n.Name(), Query: query, Err: taskerrors.Transientf("HTTP %d from newsapi", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &taskerrors.CollectorError{Source: n.Name(), Query: query, Err: fmt.Errorf("HTTP %d from newsapi", resp.StatusCode)}
	}

	var parsed newsAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &taskerrors.CollectorError{Source: n.Name(), Query: query, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Status != "ok" {
		return nil, &taskerrors.CollectorError{Source: n.Name(), Query: query, Err: fmt.Errorf("newsapi status %s: %s", parsed.Status, parsed.Message)}
	}

	docs := make([]models.Document, 0, len(parsed.Articles))
	for _, a := range parsed.Articles {
		if a.URL == "" {
			continue
		}
		content := a.Content
		if content == "" {
			content = a.Description
		}
		var authors []string
		if a.Author != "" {
			authors = []string{a.Author}
		}
		publishDate := ""
		if t, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
			publishDate = t.Format("2006-01-02")
		}
		docs = append(docs, models.Document{
			Title:       a.Title,
			Content:     content,
			URL:         a.URL,
			Source:      n.Name(),
			SourceType:  models.SourceTypeNews,
			PublishDate: publishDate,
			Authors:     authors,
			Venue:       a.Source.Name,
		})
	}
	n.logger.Debug("NewsAPI search complete",
		zap.String("query", query),
		zap.Int("results", len(docs)),
	)
	return docs, nil
}
