// Package wiki turns a free-text query into classified, chat-ready output
// using the Wikipedia summary-extraction API.
package wiki

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Default endpoints.
const (
	DefaultAPIURL  = "https://en.wikipedia.org/w/api.php?format=json&action=query&prop=extracts&exintro=&explaintext=&titles="
	DefaultWikiURL = "https://en.wikipedia.org/wiki/"
)

// Kind classifies a lookup outcome.
type Kind int

const (
	// NotFound means the article does not exist.
	NotFound Kind = iota
	// Ambiguous means the query hit a disambiguation page.
	Ambiguous
	// Empty means the article exists but has no summary text.
	Empty
	// Success carries paragraphs of summary text.
	Success
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Ambiguous:
		return "ambiguous"
	case Empty:
		return "empty"
	case Success:
		return "success"
	default:
		return "unknown"
	}
}

// Result is the classified outcome of a lookup.
type Result struct {
	Kind       Kind
	Paragraphs []string
	SourceURL  string
}

// LookupError reports a failed lookup: the request could not be made, the
// API answered with an error status, or the body could not be parsed.
type LookupError struct {
	Op    string
	Query string
	Err   error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("wiki %s %q: %v", e.Op, e.Query, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

var ambiguousRe = regexp.MustCompile(`(?i)may refer to`)

// EncodeQuery replaces every space with %20 and leaves everything else
// untouched.
func EncodeQuery(q string) string {
	return strings.ReplaceAll(q, " ", "%20")
}

// Config holds the lookup client configuration.
type Config struct {
	// APIURL is the summary endpoint; the encoded query is appended to it.
	APIURL string `yaml:"api_url" koanf:"api_url"`
	// WikiURL is the article base path used for source links.
	WikiURL string `yaml:"wiki_url" koanf:"wiki_url"`
	// Timeout is the HTTP client timeout. Zero leaves the transport default.
	Timeout time.Duration `yaml:"timeout" koanf:"timeout"`
}

// DefaultConfig returns the default lookup configuration.
func DefaultConfig() Config {
	return Config{
		APIURL:  DefaultAPIURL,
		WikiURL: DefaultWikiURL,
	}
}

// Client performs summary lookups. Every call is a single request; there is
// no retry and no caching.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a lookup client.
func NewClient(config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.APIURL == "" {
		config.APIURL = DefaultAPIURL
	}
	if config.WikiURL == "" {
		config.WikiURL = DefaultWikiURL
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

// SourceURL returns the article link for q.
func (c *Client) SourceURL(q string) string {
	return c.config.WikiURL + EncodeQuery(q)
}

// Lookup fetches and classifies the summary for query.
func (c *Client) Lookup(ctx context.Context, query string) (*Result, error) {
	encoded := EncodeQuery(query)
	url := c.config.APIURL + encoded

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &LookupError{Op: "request", Query: query, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &LookupError{Op: "fetch", Query: query, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &LookupError{Op: "fetch", Query: query, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &LookupError{Op: "fetch", Query: query, Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}

	result, err := Parse(body, c.SourceURL(query))
	if err != nil {
		return nil, &LookupError{Op: "parse", Query: query, Err: err}
	}

	c.logger.Debug("Wiki lookup finished",
		zap.String("query", query),
		zap.Stringer("kind", result.Kind),
		zap.Int("paragraphs", len(result.Paragraphs)))

	return result, nil
}

// Parse extracts the first entry of query.pages, in document order, and
// classifies it.
func Parse(body []byte, sourceURL string) (*Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON body")
	}

	pages := gjson.GetBytes(body, "query.pages")
	if !pages.IsObject() {
		return nil, fmt.Errorf("response has no query.pages object")
	}

	var (
		pageID  string
		extract string
		found   bool
	)
	pages.ForEach(func(key, value gjson.Result) bool {
		pageID = key.String()
		extract = value.Get("extract").String()
		found = true
		return false
	})
	if !found {
		return nil, fmt.Errorf("response has no pages")
	}

	return Classify(pageID, extract, sourceURL), nil
}

// Classify maps a page ID and extract text to a Result.
func Classify(pageID, extract, sourceURL string) *Result {
	if id, err := strconv.Atoi(strings.TrimSpace(pageID)); err == nil && id == -1 {
		return &Result{Kind: NotFound, SourceURL: sourceURL}
	}
	if ambiguousRe.MatchString(extract) {
		return &Result{Kind: Ambiguous, SourceURL: sourceURL}
	}
	if extract == "" {
		return &Result{Kind: Empty, SourceURL: sourceURL}
	}

	var paragraphs []string
	for _, p := range strings.Split(extract, "\n") {
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return &Result{Kind: Success, Paragraphs: paragraphs, SourceURL: sourceURL}
}
