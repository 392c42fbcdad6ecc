package collectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/veritaslab/scribe/internal/models"
	"github.com/veritaslab/scribe/internal/taskerrors"
)

const tavilyBaseURL = "https://api.tavily.com/search"

// TavilyCollector searches the web through the Tavily API.
type TavilyCollector struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewTavilyCollector wires an HTTP client and a request rate limiter.
func NewTavilyCollector(apiKey string, client *http.Client, logger *zap.Logger) *TavilyCollector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TavilyCollector{
		apiKey:  apiKey,
		baseURL: tavilyBaseURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		logger:  logger,
	}
}

func (t *TavilyCollector) Name() string       { return "tavily" }
func (t *TavilyCollector) SourceType() string { return models.SourceTypeWeb }

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
	Days        int    `json:"days,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		Content       string  `json:"content"`
		URL           string  `json:"url"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

// Search issues one Tavily query. Transport failures and 5xx responses
// are transient; auth failures are not.
func (t *TavilyCollector) Search(ctx context.Context, query string, maxResults, daysBack int) ([]models.Document, error) {
	if t.apiKey == "" {
		return nil, &taskerrors.CollectorError{Source: t.Name(), Query: query, Err: taskerrors.FatalConfig("tavily api key not configured")}
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, &taskerrors.CollectorError{Source: t.Name(), Query: query, Err: err}
	}

	payload, err := json.Marshal(tavilyRequest{
		APIKey:      t.apiKey,
		Query:       query,
		SearchDepth: "advanced",
		MaxResults:  maxResults,
		Days:        daysBack,
	})
	if err != nil {
		return nil, &taskerrors.CollectorError{Source: t.Name(), Query: query, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, &taskerrors.CollectorError{Source: t.Name(), Query: query, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &taskerrors.CollectorError{Source: t.Name(), Query: query, Err: taskerrors.Transient(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &taskerrors.CollectorError{Source: t.Name(), Query: query, Err: taskerrors.Transientf("HTTP %d from tavily", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &taskerrors.CollectorError{Source: t.Name(), Query: query, Err: fmt.Errorf("HTTP %d from tavily", resp.StatusCode)}
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &taskerrors.CollectorError{Source: t.Name(), Query: query, Err: fmt.Errorf("decode response: %w", err)}
	}

	docs := make([]models.Document, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		docs = append(docs, models.Document{
			Title:          r.Title,
			Content:        r.Content,
			URL:            r.URL,
			Source:         t.Name(),
			SourceType:     models.SourceTypeWeb,
			PublishDate:    r.PublishedDate,
			RelevanceScore: r.Score,
		})
	}
	t.logger.Debug("Tavily search complete",
		zap.String("query", query),
		zap.Int("results", len(docs)),
	)
	return docs, nil
}
