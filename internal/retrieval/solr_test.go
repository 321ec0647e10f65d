package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func solrServer(t *testing.T, body string, capture *http.Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			*capture = *r
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchParsesHits(t *testing.T) {
	body := `{"response":{"numFound":2,"docs":[
		{"id":"doc-1","title":["Employee Handbook"],"content":["Annual leave is 20 days."]},
		{"id":"doc-2","title":"Leave Policy","_text_":"Sick leave requires a certificate."}
	]}}`
	var captured http.Request
	srv := solrServer(t, body, &captured)

	c := NewClient(Config{BaseURL: srv.URL, Core: "documents"}, zap.NewNop())
	docs, err := c.Search(context.Background(), "annual leave policy", nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "doc-1", docs[0].ID)
	assert.Equal(t, "Employee Handbook", docs[0].Title)
	assert.Equal(t, "Annual leave is 20 days.", docs[0].Content)
	// _text_ fallback when content is absent.
	assert.Equal(t, "Sick leave requires a certificate.", docs[1].Content)

	assert.Equal(t, "/solr/documents/select", captured.URL.Path)
	q := captured.URL.Query().Get("q")
	assert.Contains(t, q, `"annual"`)
	assert.Contains(t, q, " OR ")
	// "leave policy" tokens kept, short tokens would be dropped.
	assert.Contains(t, q, `"policy"`)
}

func TestSearchScopesToDocumentIDs(t *testing.T) {
	var captured http.Request
	srv := solrServer(t, `{"response":{"numFound":0,"docs":[]}}`, &captured)

	c := NewClient(Config{BaseURL: srv.URL, Core: "documents"}, zap.NewNop())
	docs, err := c.Search(context.Background(), "overtime rules", []string{"doc-1", "doc-2"})
	require.NoError(t, err)
	assert.Empty(t, docs)

	fq := captured.URL.Query().Get("fq")
	assert.Equal(t, `id:("doc-1" OR "doc-2")`, fq)
}

func TestSearchZeroHitsReturnsEmptySlice(t *testing.T) {
	srv := solrServer(t, `{"response":{"numFound":0,"docs":[]}}`, nil)

	c := NewClient(Config{BaseURL: srv.URL, Core: "documents"}, zap.NewNop())
	docs, err := c.Search(context.Background(), "nonexistent topic", nil)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestSearchTruncatesLongContent(t *testing.T) {
	long := strings.Repeat("あ", 5000)
	body := fmt.Sprintf(`{"response":{"docs":[{"id":"doc-1","title":"t","content":[%q]}]}}`, long)
	srv := solrServer(t, body, nil)

	c := NewClient(Config{BaseURL: srv.URL, Core: "documents", SnippetRunes: 3000}, zap.NewNop())
	docs, err := c.Search(context.Background(), "就業規則について", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 3000, len([]rune(docs[0].Content)))
}

func TestSearchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "core not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL, Core: "documents"}, zap.NewNop())
	_, err := c.Search(context.Background(), "annual leave", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"tokens quoted and joined", "annual leave policy", `"annual" OR "leave" OR "policy"`},
		{"short tokens dropped", "is hr ok annual", `"annual"`},
		{"punctuation trimmed", "What's the policy?", `"What's" OR "the" OR "policy"`},
		{"unsegmented japanese falls back whole", "有給休暇について", `"有給休暇について"`},
		{"too short yields empty", "ok", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildQuery(tt.query))
		})
	}
}
