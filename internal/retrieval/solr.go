// Package retrieval searches the company document index. The index is a
// Solr core holding one document per uploaded file, keyed by the file's
// storage key.
package retrieval

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Document is one search hit, content pre-truncated for prompt assembly.
type Document struct {
	ID      string
	Title   string
	Content string
}

// Config holds Solr connection settings.
type Config struct {
	BaseURL string
	Core    string
	Timeout time.Duration
	// MaxResults caps hits per search. Default 5.
	MaxResults int
	// SnippetRunes caps document content length in runes. Default 3000.
	SnippetRunes int
}

// Client queries Solr over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a retrieval client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 5
	}
	if cfg.SnippetRunes == 0 {
		cfg.SnippetRunes = 3000
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

// Search runs a keyword query, optionally scoped to the given document IDs.
// Zero hits return an empty slice, not an error: absence of documents is an
// answerable state, not a failure.
func (c *Client) Search(ctx context.Context, query string, docIDs []string) ([]Document, error) {
	q := buildQuery(query)
	if q == "" {
		return []Document{}, nil
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("defType", "edismax")
	params.Set("qf", "title content _text_")
	params.Set("fl", "id,title,content,_text_")
	params.Set("rows", strconv.Itoa(c.cfg.MaxResults))
	params.Set("wt", "json")
	if len(docIDs) > 0 {
		quoted := make([]string, len(docIDs))
		for i, id := range docIDs {
			quoted[i] = `"` + id + `"`
		}
		params.Set("fq", "id:("+strings.Join(quoted, " OR ")+")")
	}

	endpoint := fmt.Sprintf("%s/solr/%s/select?%s", c.cfg.BaseURL, c.cfg.Core, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call solr: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("solr returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read solr response: %w", err)
	}

	docs := []Document{}
	for _, hit := range gjson.GetBytes(raw, "response.docs").Array() {
		content := fieldText(hit, "content")
		if content == "" {
			content = fieldText(hit, "_text_")
		}
		docs = append(docs, Document{
			ID:      hit.Get("id").String(),
			Title:   fieldText(hit, "title"),
			Content: truncateRunes(content, c.cfg.SnippetRunes),
		})
	}

	c.logger.Debug("Document search complete",
		zap.String("query", q),
		zap.Int("scoped_ids", len(docIDs)),
		zap.Int("hits", len(docs)),
	)
	return docs, nil
}

// buildQuery tokenizes the user query into a Solr disjunction. Short tokens
// carry little signal and are dropped; each kept token is quoted so Solr
// metacharacters in user text stay inert.
func buildQuery(query string) string {
	var terms []string
	for _, tok := range strings.Fields(query) {
		tok = strings.Trim(tok, `"?!,.()[]{}:;`)
		if len([]rune(tok)) <= 2 {
			continue
		}
		terms = append(terms, `"`+tok+`"`)
	}
	if len(terms) == 0 {
		// CJK queries often arrive as one unsegmented field; fall back to
		// the whole trimmed query.
		trimmed := strings.TrimSpace(query)
		if len([]rune(trimmed)) <= 2 {
			return ""
		}
		return `"` + trimmed + `"`
	}
	return strings.Join(terms, " OR ")
}

// fieldText reads a Solr field that may be a plain string or a single-value
// array, which is how Solr returns multiValued fields.
func fieldText(hit gjson.Result, field string) string {
	v := hit.Get(field)
	if v.IsArray() {
		arr := v.Array()
		if len(arr) == 0 {
			return ""
		}
		return arr[0].String()
	}
	return v.String()
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
