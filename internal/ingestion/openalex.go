package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/knoguchi/medrag/internal/repository"
)

const (
	// DefaultOpenAlexURL is the OpenAlex works endpoint.
	DefaultOpenAlexURL = "https://api.openalex.org/works"

	// OpenAlexPageSize is the largest page OpenAlex serves.
	OpenAlexPageSize = 200

	// DefaultOpenAlexInterval stays under the ten requests per second OpenAlex allows.
	DefaultOpenAlexInterval = 150 * time.Millisecond
)

// OpenAlexClient pages through OpenAlex works as papers.
type OpenAlexClient struct {
	baseURL    string
	mailto     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// OpenAlexOption configures an OpenAlexClient.
type OpenAlexOption func(*OpenAlexClient)

// WithOpenAlexURL overrides the works endpoint.
func WithOpenAlexURL(u string) OpenAlexOption {
	return func(c *OpenAlexClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithMailto identifies the caller, which moves requests to the OpenAlex polite pool.
func WithMailto(email string) OpenAlexOption {
	return func(c *OpenAlexClient) {
		c.mailto = email
	}
}

// WithOpenAlexHTTPClient sets a custom HTTP client.
func WithOpenAlexHTTPClient(client *http.Client) OpenAlexOption {
	return func(c *OpenAlexClient) {
		c.httpClient = client
	}
}

// WithOpenAlexInterval sets the minimum spacing between requests. Zero disables pacing.
func WithOpenAlexInterval(d time.Duration) OpenAlexOption {
	return func(c *OpenAlexClient) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// NewOpenAlexClient creates a new OpenAlex client.
func NewOpenAlexClient(opts ...OpenAlexOption) *OpenAlexClient {
	c := &OpenAlexClient{
		baseURL: DefaultOpenAlexURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(DefaultOpenAlexInterval), 1),
		logger:  slog.Default().With("component", "openalex"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FilterString renders filters in OpenAlex "key:value,key:value" form with keys sorted.
func FilterString(filters map[string]string) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + filters[k]
	}
	return strings.Join(parts, ",")
}

// Ingest pages through works matching filters with cursor paging, handing each page to fn,
// until max papers (all when max <= 0) have been delivered.
func (c *OpenAlexClient) Ingest(ctx context.Context, filters map[string]string, max int, fn func([]*repository.Paper) error) (int, error) {
	filter := FilterString(filters)
	cursor := "*"
	delivered := 0

	for cursor != "" && (max <= 0 || delivered < max) {
		perPage := OpenAlexPageSize
		if max > 0 {
			perPage = min(perPage, max-delivered)
		}

		page, err := c.fetchPage(ctx, filter, cursor, perPage)
		if err != nil {
			return delivered, err
		}
		if len(page.Results) == 0 {
			break
		}
		if delivered == 0 {
			c.logger.Info("openalex search", "filter", filter, "count", page.Meta.Count)
		}

		papers := make([]*repository.Paper, 0, len(page.Results))
		for _, w := range page.Results {
			if p := w.paper(); p.ID != "" {
				papers = append(papers, p)
			}
		}
		if max > 0 && len(papers) > max-delivered {
			papers = papers[:max-delivered]
		}
		if len(papers) > 0 {
			if err := fn(papers); err != nil {
				return delivered, err
			}
			delivered += len(papers)
		}
		cursor = page.Meta.NextCursor
	}
	return delivered, nil
}

func (c *OpenAlexClient) fetchPage(ctx context.Context, filter, cursor string, perPage int) (*openAlexPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{
		"cursor":   {cursor},
		"per_page": {fmt.Sprint(perPage)},
	}
	if filter != "" {
		params.Set("filter", filter)
	}
	if c.mailto != "" {
		params.Set("mailto", c.mailto)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call openalex: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("openalex error (status %d): %s", resp.StatusCode, truncateBody(body))
	}

	var page openAlexPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode openalex response: %w", err)
	}
	return &page, nil
}

type openAlexPage struct {
	Meta struct {
		Count      int    `json:"count"`
		NextCursor string `json:"next_cursor"`
	} `json:"meta"`
	Results []openAlexWork `json:"results"`
}

type openAlexWork struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	DOI             string           `json:"doi"`
	PublicationDate string           `json:"publication_date"`
	PublicationYear int              `json:"publication_year"`
	AbstractIndex   map[string][]int `json:"abstract_inverted_index"`
	Authorships     []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
	} `json:"authorships"`
	Concepts []struct {
		DisplayName string `json:"display_name"`
	} `json:"concepts"`
	PrimaryLocation *struct {
		Source *struct {
			DisplayName string `json:"display_name"`
		} `json:"source"`
	} `json:"primary_location"`
}

func (w openAlexWork) paper() *repository.Paper {
	id := w.ID[strings.LastIndex(w.ID, "/")+1:]
	if id == "" {
		return &repository.Paper{}
	}

	p := &repository.Paper{
		ID:              "openalex:" + id,
		Source:          repository.SourceOpenAlex,
		Title:           w.Title,
		Abstract:        RebuildAbstract(w.AbstractIndex),
		DOI:             strings.TrimPrefix(w.DOI, "https://doi.org/"),
		PublicationDate: w.PublicationDate,
		Year:            w.PublicationYear,
	}
	for _, a := range w.Authorships {
		if a.Author.DisplayName != "" {
			p.Authors = append(p.Authors, a.Author.DisplayName)
		}
	}
	for _, c := range w.Concepts {
		if c.DisplayName != "" {
			p.Keywords = append(p.Keywords, c.DisplayName)
		}
	}
	if w.PrimaryLocation != nil && w.PrimaryLocation.Source != nil {
		p.Journal = w.PrimaryLocation.Source.DisplayName
	}
	return p
}

// RebuildAbstract reassembles an abstract from OpenAlex's word -> positions index.
func RebuildAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}
	size := 0
	for _, positions := range index {
		for _, pos := range positions {
			size = max(size, pos+1)
		}
	}

	words := make([]string, size)
	for word, positions := range index {
		for _, pos := range positions {
			if pos >= 0 {
				words[pos] = word
			}
		}
	}
	return CleanText(strings.Join(words, " "))
}
