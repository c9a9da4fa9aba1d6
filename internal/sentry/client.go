// Package sentry fetches issues from the Sentry web API and converts them
// to the internal issue representation.
package sentry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/steveyegge/glass/internal/types"
)

const (
	// DefaultBaseURL is the hosted Sentry API root
	DefaultBaseURL = "https://sentry.io/api/0"

	// SourceType tags issues imported from Sentry; issue ids are
	// "sentry:<sentry issue id>"
	SourceType = "sentry"

	// pageLimit is the page size for issue listing
	pageLimit = 100

	// maxPages caps pagination on a single refresh
	maxPages = 10

	retryMaxElapsed = 2 * time.Minute
)

// Config holds Sentry client configuration
type Config struct {
	BaseURL   string // API root (default: DefaultBaseURL)
	Org       string // Organization slug (required)
	Project   string // Project slug (required)
	AuthToken string // Auth token (if empty, reads from SENTRY_AUTH_TOKEN env var)
	Query     string // Issue search query (default: "is:unresolved")
}

// Client is a Sentry API client with rate limiting and retry on transient
// failures.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	baseURL string
	org     string
	project string
	token   string
	query   string
}

// NewClient creates a Sentry API client
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Org == "" || cfg.Project == "" {
		return nil, fmt.Errorf("sentry organization and project are required")
	}

	token := cfg.AuthToken
	if token == "" {
		token = os.Getenv("SENTRY_AUTH_TOKEN")
		if token == "" {
			return nil, fmt.Errorf("SENTRY_AUTH_TOKEN not set")
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	query := cfg.Query
	if query == "" {
		query = "is:unresolved"
	}

	return &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		// Sentry enforces per-token limits; stay comfortably under them
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		org:     cfg.Org,
		project: cfg.Project,
		token:   token,
		query:   query,
	}, nil
}

// apiIssue is the subset of Sentry's issue payload we consume.
type apiIssue struct {
	ID        string `json:"id"`
	ShortID   string `json:"shortId"`
	Title     string `json:"title"`
	Culprit   string `json:"culprit"`
	Permalink string `json:"permalink"`
	Level     string `json:"level"`
	Count     string `json:"count"` // Sentry serializes counts as strings
	UserCount uint64 `json:"userCount"`
	FirstSeen string `json:"firstSeen"`
	LastSeen  string `json:"lastSeen"`
	Metadata  struct {
		Type     string `json:"type"`
		Value    string `json:"value"`
		Filename string `json:"filename"`
		Function string `json:"function"`
	} `json:"metadata"`
}

// apiEvent is the subset of Sentry's event payload we consume (entries
// carry exception stacktraces and breadcrumbs).
type apiEvent struct {
	Tags []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"tags"`
	Entries []struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	} `json:"entries"`
}

type apiExceptionData struct {
	Values []struct {
		Type       string `json:"type"`
		Value      string `json:"value"`
		Stacktrace *struct {
			Frames []struct {
				Filename string `json:"filename"`
				Function string `json:"function"`
				Lineno   int    `json:"lineNo"`
				Colno    int    `json:"colNo"`
				Context  string `json:"context"`
			} `json:"frames"`
		} `json:"stacktrace"`
	} `json:"values"`
}

type apiBreadcrumbData struct {
	Values []struct {
		Type      string `json:"type"`
		Category  string `json:"category"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	} `json:"values"`
}

// ListIssues fetches the current unresolved issues for the configured
// project, following cursor pagination up to maxPages.
func (c *Client) ListIssues(ctx context.Context) ([]*types.Issue, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/%s/issues/?query=%s&limit=%d",
		c.baseURL, c.org, c.project, url.QueryEscape(c.query), pageLimit)

	var issues []*types.Issue
	for page := 0; page < maxPages && endpoint != ""; page++ {
		var (
			raw  []apiIssue
			next string
		)
		err := c.get(ctx, endpoint, func(resp *http.Response, body []byte) error {
			if err := json.Unmarshal(body, &raw); err != nil {
				return fmt.Errorf("failed to decode issue list: %w", err)
			}
			next = nextCursorURL(resp.Header.Get("Link"))
			return nil
		})
		if err != nil {
			return nil, err
		}

		for i := range raw {
			issues = append(issues, convertIssue(&raw[i], nil))
		}
		endpoint = next
	}
	return issues, nil
}

// GetIssue fetches one issue by its Sentry id, enriched with the exception
// stacktraces and breadcrumbs from its latest event.
func (c *Client) GetIssue(ctx context.Context, sentryID string) (*types.Issue, error) {
	var raw apiIssue
	endpoint := fmt.Sprintf("%s/issues/%s/", c.baseURL, url.PathEscape(sentryID))
	err := c.get(ctx, endpoint, func(_ *http.Response, body []byte) error {
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("failed to decode issue: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The latest event is best-effort enrichment; an issue without event
	// detail is still analyzable.
	var event *apiEvent
	eventURL := fmt.Sprintf("%s/issues/%s/events/latest/", c.baseURL, url.PathEscape(sentryID))
	eventErr := c.get(ctx, eventURL, func(_ *http.Response, body []byte) error {
		var ev apiEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		event = &ev
		return nil
	})
	if eventErr != nil {
		event = nil
	}

	return convertIssue(&raw, event), nil
}

// get performs an authenticated GET with rate limiting and exponential
// backoff on 429 and 5xx responses.
func (c *Client) get(ctx context.Context, endpoint string, handle func(*http.Response, []byte) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed

	return backoff.Retry(func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("sentry request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return fmt.Errorf("failed to read sentry response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := handle(resp, body); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("sentry returned %d for %s", resp.StatusCode, endpoint)
		default:
			return backoff.Permanent(fmt.Errorf("sentry returned %d for %s: %s",
				resp.StatusCode, endpoint, strings.TrimSpace(string(body))))
		}
	}, backoff.WithContext(bo, ctx))
}

// nextCursorURL extracts the next-page URL from Sentry's Link header, or ""
// when there are no more results.
func nextCursorURL(link string) string {
	for _, part := range strings.Split(link, ",") {
		if !strings.Contains(part, `rel="next"`) || !strings.Contains(part, `results="true"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return part[start+1 : end]
		}
	}
	return ""
}

// convertIssue maps the Sentry payload to the internal issue shape. New
// issues start in the pending state; UpsertIssue preserves the state of
// issues already tracked.
func convertIssue(raw *apiIssue, event *apiEvent) *types.Issue {
	count, _ := strconv.ParseUint(raw.Count, 10, 64)

	source := types.IssueSource{
		Title:      raw.Title,
		ShortID:    raw.ShortID,
		Culprit:    raw.Culprit,
		Permalink:  raw.Permalink,
		Level:      raw.Level,
		EventCount: count,
		UserCount:  raw.UserCount,
		FirstSeen:  raw.FirstSeen,
		LastSeen:   raw.LastSeen,
	}
	if raw.Metadata.Type != "" || raw.Metadata.Value != "" {
		source.Metadata = &types.SourceMetadata{
			ErrorType: raw.Metadata.Type,
			Value:     raw.Metadata.Value,
			Filename:  raw.Metadata.Filename,
			Function:  raw.Metadata.Function,
		}
	}

	if event != nil {
		applyEvent(&source, event)
	}

	now := time.Now().UTC()
	return &types.Issue{
		ID:         SourceType + ":" + raw.ID,
		SourceType: SourceType,
		Source:     source,
		State:      types.Pending{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func applyEvent(source *types.IssueSource, event *apiEvent) {
	if len(event.Tags) > 0 {
		source.Tags = make(map[string]string, len(event.Tags))
		for _, tag := range event.Tags {
			source.Tags[tag.Key] = tag.Value
			switch tag.Key {
			case "environment":
				source.Environment = tag.Value
			case "release":
				source.Release = tag.Value
			}
		}
	}

	for _, entry := range event.Entries {
		switch entry.Type {
		case "exception":
			var data apiExceptionData
			if err := json.Unmarshal(entry.Data, &data); err != nil {
				continue
			}
			for _, v := range data.Values {
				exc := types.Exception{ErrorType: v.Type, Value: v.Value}
				if v.Stacktrace != nil {
					// Sentry orders frames oldest first; keep that order
					for _, f := range v.Stacktrace.Frames {
						exc.Stacktrace = append(exc.Stacktrace, types.StackFrame{
							Filename: f.Filename,
							Function: f.Function,
							Lineno:   f.Lineno,
							Colno:    f.Colno,
							Context:  f.Context,
						})
					}
				}
				source.Exceptions = append(source.Exceptions, exc)
			}
		case "breadcrumbs":
			var data apiBreadcrumbData
			if err := json.Unmarshal(entry.Data, &data); err != nil {
				continue
			}
			for _, v := range data.Values {
				source.Breadcrumbs = append(source.Breadcrumbs, types.Breadcrumb{
					Type:      v.Type,
					Category:  v.Category,
					Message:   v.Message,
					Timestamp: v.Timestamp,
				})
			}
		}
	}
}
