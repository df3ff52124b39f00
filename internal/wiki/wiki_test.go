package wiki

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const src = "https://en.wikipedia.org/wiki/X"

func TestEncodeQuery(t *testing.T) {
	assert.Equal(t, "solar%20system", EncodeQuery("solar system"))
	assert.Equal(t, "a%20%20b", EncodeQuery("a  b"))
	assert.Equal(t, "C++&go", EncodeQuery("C++&go"))
	assert.Equal(t, "", EncodeQuery(""))
}

func TestSourceURLDeterministic(t *testing.T) {
	c := NewClient(DefaultConfig(), nil)
	first := c.SourceURL("solar system")
	assert.Equal(t, "https://en.wikipedia.org/wiki/solar%20system", first)
	assert.Equal(t, first, c.SourceURL("solar system"))
	// encoding an already encoded query is a no-op
	assert.Equal(t, first, c.SourceURL(EncodeQuery("solar system")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		pageID     string
		extract    string
		kind       Kind
		paragraphs []string
	}{
		{"missing page", "-1", "", NotFound, nil},
		{"missing page ignores extract", "-1", "Some text", NotFound, nil},
		{"disambiguation", "18978754", "Apple may refer to: ...", Ambiguous, nil},
		{"disambiguation case", "1", "Mercury MAY REFER TO several things", Ambiguous, nil},
		{"empty extract", "736", "", Empty, nil},
		{"success", "736", "Einstein was...\n\nHe developed...", Success, []string{"Einstein was...", "He developed..."}},
		{"single paragraph", "42", "One line.", Success, []string{"One line."}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(tt.pageID, tt.extract, src)
			assert.Equal(t, tt.kind, r.Kind)
			assert.Equal(t, tt.paragraphs, r.Paragraphs)
			assert.Equal(t, src, r.SourceURL)
		})
	}
}

func TestParseTakesFirstPage(t *testing.T) {
	body := []byte(`{"query":{"pages":{"9":{"extract":"first"},"-1":{"missing":""}}}}`)
	r, err := Parse(body, src)
	require.NoError(t, err)
	assert.Equal(t, Success, r.Kind)
	assert.Equal(t, []string{"first"}, r.Paragraphs)
}

func TestParseErrors(t *testing.T) {
	for name, body := range map[string]string{
		"invalid json":  `{"query":`,
		"no pages":      `{"batchcomplete":""}`,
		"pages empty":   `{"query":{"pages":{}}}`,
		"pages not obj": `{"query":{"pages":[]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body), src)
			assert.Error(t, err)
		})
	}
}

func TestMessages(t *testing.T) {
	tests := []struct {
		name   string
		result *Result
		want   []string
	}{
		{"not found", &Result{Kind: NotFound, SourceURL: src}, []string{NotFoundNotice, src}},
		{"ambiguous", &Result{Kind: Ambiguous, SourceURL: src}, []string{AmbiguousNotice, src}},
		{"empty", &Result{Kind: Empty, SourceURL: src}, []string{EmptyApology}},
		{"success", &Result{Kind: Success, SourceURL: src, Paragraphs: []string{"a", "b"}}, []string{src, "> a", "> b"}},
		{"nil", nil, []string{ErrorApology}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Messages(tt.result))
		})
	}
}

func newTestServer(t *testing.T, status int, body string, gotQuery *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotQuery != nil {
			*gotQuery = r.URL.RawQuery
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLookupSuccess(t *testing.T) {
	var rawQuery string
	srv := newTestServer(t, http.StatusOK,
		`{"batchcomplete":"","query":{"pages":{"736":{"pageid":736,"title":"Albert Einstein","extract":"Einstein was...\n\nHe developed..."}}}}`,
		&rawQuery)

	c := NewClient(Config{APIURL: srv.URL + "/w/api.php?format=json&titles=", WikiURL: "https://wiki.test/wiki/"}, nil)
	r, err := c.Lookup(context.Background(), "Albert Einstein")
	require.NoError(t, err)

	assert.Equal(t, "format=json&titles=Albert%20Einstein", rawQuery)
	assert.Equal(t, Success, r.Kind)
	assert.Equal(t, []string{
		"https://wiki.test/wiki/Albert%20Einstein",
		"> Einstein was...",
		"> He developed...",
	}, Messages(r))
}

func TestLookupNotFound(t *testing.T) {
	srv := newTestServer(t, http.StatusOK,
		`{"query":{"pages":{"-1":{"ns":0,"title":"Qqzxnonexistent","missing":""}}}}`, nil)

	c := NewClient(Config{APIURL: srv.URL + "/?titles=", WikiURL: "https://wiki.test/wiki/"}, nil)
	r, err := c.Lookup(context.Background(), "qqzxnonexistent")
	require.NoError(t, err)

	assert.Equal(t, []string{NotFoundNotice, "https://wiki.test/wiki/qqzxnonexistent"}, Messages(r))
}

func TestLookupNon2xxStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "server error", status: http.StatusInternalServerError},
		{name: "not found", status: http.StatusNotFound},
		{name: "not modified", status: http.StatusNotModified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, ``, nil)

			c := NewClient(Config{APIURL: srv.URL + "/?titles="}, nil)
			_, err := c.Lookup(context.Background(), "x")
			require.Error(t, err)

			var lerr *LookupError
			require.True(t, errors.As(err, &lerr))
			assert.Equal(t, "fetch", lerr.Op)
		})
	}
}

func TestLookupTransportError(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{}`, nil)
	url := srv.URL
	srv.Close()

	c := NewClient(Config{APIURL: url + "/?titles="}, nil)
	_, err := c.Lookup(context.Background(), "x")

	var lerr *LookupError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "fetch", lerr.Op)
}

func TestLookupMalformedBody(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `not json`, nil)

	c := NewClient(Config{APIURL: srv.URL + "/?titles="}, nil)
	_, err := c.Lookup(context.Background(), "x")

	var lerr *LookupError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "parse", lerr.Op)
}
