package ingestion

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/knoguchi/medrag/internal/repository"
)

const (
	// DefaultEUtilsURL is the NCBI E-utilities base URL.
	DefaultEUtilsURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	// FetchBatchSize is the number of records per efetch call.
	FetchBatchSize = 200

	// DefaultRequestInterval keeps unauthenticated clients near three requests per second.
	DefaultRequestInterval = 340 * time.Millisecond
)

// PubMedClient searches PubMed and fetches articles as papers.
type PubMedClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// PubMedOption configures a PubMedClient.
type PubMedOption func(*PubMedClient)

// WithEUtilsURL overrides the E-utilities base URL.
func WithEUtilsURL(u string) PubMedOption {
	return func(c *PubMedClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithAPIKey sets the NCBI API key sent with every request.
func WithAPIKey(key string) PubMedOption {
	return func(c *PubMedClient) {
		c.apiKey = key
	}
}

// WithPubMedHTTPClient sets a custom HTTP client.
func WithPubMedHTTPClient(client *http.Client) PubMedOption {
	return func(c *PubMedClient) {
		c.httpClient = client
	}
}

// WithRequestInterval sets the minimum spacing between requests. Zero disables pacing.
func WithRequestInterval(d time.Duration) PubMedOption {
	return func(c *PubMedClient) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// NewPubMedClient creates a new E-utilities client.
func NewPubMedClient(opts ...PubMedOption) *PubMedClient {
	c := &PubMedClient{
		baseURL: DefaultEUtilsURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(DefaultRequestInterval), 1),
		logger:  slog.Default().With("component", "pubmed"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchResult is the history handle returned by esearch.
type SearchResult struct {
	Count    int
	WebEnv   string
	QueryKey string
}

// Search runs esearch with usehistory so results can be paged with efetch.
func (c *PubMedClient) Search(ctx context.Context, query string) (*SearchResult, error) {
	params := url.Values{
		"db":         {"pubmed"},
		"term":       {query},
		"usehistory": {"y"},
		"retmax":     {"0"},
		"retmode":    {"xml"},
	}

	body, err := c.get(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Count    string `xml:"Count"`
		WebEnv   string `xml:"WebEnv"`
		QueryKey string `xml:"QueryKey"`
	}
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse esearch response: %w", err)
	}

	count, _ := strconv.Atoi(strings.TrimSpace(resp.Count))
	if resp.WebEnv == "" || resp.QueryKey == "" {
		return nil, fmt.Errorf("esearch response missing WebEnv or QueryKey")
	}
	return &SearchResult{Count: count, WebEnv: resp.WebEnv, QueryKey: resp.QueryKey}, nil
}

// Fetch retrieves one efetch page starting at retstart.
func (c *PubMedClient) Fetch(ctx context.Context, sr *SearchResult, retstart, retmax int) ([]*repository.Paper, error) {
	params := url.Values{
		"db":        {"pubmed"},
		"query_key": {sr.QueryKey},
		"WebEnv":    {sr.WebEnv},
		"retstart":  {strconv.Itoa(retstart)},
		"retmax":    {strconv.Itoa(retmax)},
		"retmode":   {"xml"},
	}

	body, err := c.get(ctx, "efetch.fcgi", params)
	if err != nil {
		return nil, err
	}
	return ParseArticles(body)
}

// Ingest searches for query and fetches up to max papers (all when max <= 0), handing each
// batch to fn. It returns the number of papers delivered.
func (c *PubMedClient) Ingest(ctx context.Context, query string, max int, fn func([]*repository.Paper) error) (int, error) {
	sr, err := c.Search(ctx, query)
	if err != nil {
		return 0, err
	}

	total := sr.Count
	if max > 0 && max < total {
		total = max
	}
	c.logger.Info("pubmed search", "query", query, "count", sr.Count, "fetching", total)

	delivered := 0
	for retstart := 0; retstart < total; retstart += FetchBatchSize {
		size := min(FetchBatchSize, total-retstart)
		papers, err := c.Fetch(ctx, sr, retstart, size)
		if err != nil {
			return delivered, fmt.Errorf("efetch at %d: %w", retstart, err)
		}
		if len(papers) == 0 {
			c.logger.Warn("no articles extracted from batch", "retstart", retstart)
			continue
		}
		if err := fn(papers); err != nil {
			return delivered, err
		}
		delivered += len(papers)
		c.logger.Debug("fetched batch", "retstart", retstart, "papers", len(papers))
	}
	return delivered, nil
}

func (c *PubMedClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s error (status %d): %s", endpoint, resp.StatusCode, truncateBody(body))
	}
	return body, nil
}

func truncateBody(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// efetch XML shapes; only the fields mapped onto Paper are declared.
type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	Citation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			Title    markupText `xml:"ArticleTitle"`
			Abstract struct {
				Sections []abstractSection `xml:"AbstractText"`
			} `xml:"Abstract"`
			Journal struct {
				Title string `xml:"Title"`
				Issue struct {
					PubDate pubDate `xml:"PubDate"`
				} `xml:"JournalIssue"`
			} `xml:"Journal"`
			Authors    []pubmedAuthor `xml:"AuthorList>Author"`
			ELocations []articleID    `xml:"ELocationID"`
		} `xml:"Article"`
		Keywords []markupText `xml:"KeywordList>Keyword"`
	} `xml:"MedlineCitation"`
	ArticleIDs []articleID `xml:"PubmedData>ArticleIdList>ArticleId"`
}

type markupText struct {
	Inner string `xml:",innerxml"`
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// String drops inline markup such as <i> and decodes entities.
func (m markupText) String() string {
	return CleanText(html.UnescapeString(tagPattern.ReplaceAllString(m.Inner, "")))
}

type abstractSection struct {
	Label string `xml:"Label,attr"`
	Inner string `xml:",innerxml"`
}

func (s abstractSection) String() string {
	return markupText{Inner: s.Inner}.String()
}

type pubDate struct {
	Year        string `xml:"Year"`
	Month       string `xml:"Month"`
	Day         string `xml:"Day"`
	MedlineDate string `xml:"MedlineDate"`
}

func (d pubDate) String() string {
	if d.Year == "" {
		return strings.TrimSpace(d.MedlineDate)
	}
	parts := []string{d.Year}
	for _, p := range []string{d.Month, d.Day} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

type pubmedAuthor struct {
	LastName       string `xml:"LastName"`
	ForeName       string `xml:"ForeName"`
	CollectiveName string `xml:"CollectiveName"`
}

func (a pubmedAuthor) String() string {
	if a.CollectiveName != "" {
		return a.CollectiveName
	}
	return strings.TrimSpace(a.ForeName + " " + a.LastName)
}

type articleID struct {
	Type  string `xml:"IdType,attr"`
	EType string `xml:"EIdType,attr"`
	Value string `xml:",chardata"`
}

// ParseArticles converts an efetch PubmedArticleSet document into papers.
// Articles without a PMID are skipped.
func ParseArticles(data []byte) ([]*repository.Paper, error) {
	var set pubmedArticleSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse efetch response: %w", err)
	}

	papers := make([]*repository.Paper, 0, len(set.Articles))
	for _, a := range set.Articles {
		pmid := strings.TrimSpace(a.Citation.PMID)
		if pmid == "" {
			continue
		}
		art := a.Citation.Article

		sections := make([]string, 0, len(art.Abstract.Sections))
		for _, s := range art.Abstract.Sections {
			text := s.String()
			if text == "" {
				continue
			}
			if s.Label != "" {
				text = s.Label + ": " + text
			}
			sections = append(sections, text)
		}

		authors := make([]string, 0, len(art.Authors))
		for _, au := range art.Authors {
			authors = append(authors, au.String())
		}

		keywords := make([]string, 0, len(a.Citation.Keywords))
		for _, k := range a.Citation.Keywords {
			keywords = append(keywords, k.String())
		}

		date := art.Journal.Issue.PubDate.String()
		papers = append(papers, &repository.Paper{
			ID:              repository.SourcePubMed + ":" + pmid,
			Source:          repository.SourcePubMed,
			Title:           art.Title.String(),
			Abstract:        strings.Join(sections, " "),
			Authors:         authors,
			Keywords:        keywords,
			Journal:         strings.TrimSpace(art.Journal.Title),
			DOI:             findDOI(a),
			PublicationDate: date,
			Year:            ExtractYear(date),
		})
	}
	return papers, nil
}

func findDOI(a pubmedArticle) string {
	for _, id := range a.ArticleIDs {
		if id.Type == "doi" {
			return strings.TrimSpace(id.Value)
		}
	}
	for _, id := range a.Citation.Article.ELocations {
		if id.EType == "doi" {
			return strings.TrimSpace(id.Value)
		}
	}
	return ""
}
