package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/postscope/postscope/internal/cache"
)

func TestParseFlag(t *testing.T) {
	cfg, err := ParseFlag("ollama/nomic-embed-text")
	if err != nil {
		t.Fatalf("ParseFlag: %v", err)
	}
	if cfg.Provider != "ollama" || cfg.Model != "nomic-embed-text" {
		t.Fatalf("parsed %q/%q", cfg.Provider, cfg.Model)
	}
	if cfg.Endpoint != "http://localhost:11434/v1/embeddings" {
		t.Fatalf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.MaxRetries != 3 || cfg.TimeoutSecs != 60 {
		t.Fatalf("defaults: retries=%d timeout=%d", cfg.MaxRetries, cfg.TimeoutSecs)
	}
}

func TestParseFlagModelWithSlashes(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "k")
	cfg, err := ParseFlag("openrouter/qwen/qwen3-embedding:free")
	if err != nil {
		t.Fatalf("ParseFlag: %v", err)
	}
	if cfg.Model != "qwen/qwen3-embedding:free" {
		t.Fatalf("model = %q", cfg.Model)
	}
}

func TestParseFlagErrors(t *testing.T) {
	for _, flag := range []string{"", "noslash", "/model", "provider/", "mystery/model"} {
		if _, err := ParseFlag(flag); err == nil {
			t.Errorf("ParseFlag(%q) accepted", flag)
		}
	}
}

func TestParseFlagEnvOverrides(t *testing.T) {
	t.Setenv("POSTSCOPE_EMBED_ENDPOINT", "http://proxy:9999/v1/embeddings")
	t.Setenv("POSTSCOPE_EMBED_API_KEY", "override-key")
	cfg, err := ParseFlag("ollama/nomic-embed-text")
	if err != nil {
		t.Fatalf("ParseFlag: %v", err)
	}
	if cfg.Endpoint != "http://proxy:9999/v1/embeddings" {
		t.Fatalf("endpoint override ignored: %q", cfg.Endpoint)
	}
	if cfg.APIKey != "override-key" {
		t.Fatalf("api key override ignored: %q", cfg.APIKey)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ollama without key", Config{Provider: "ollama", Model: "m", Endpoint: "http://x", MaxRetries: 1, TimeoutSecs: 10}, false},
		{"openai without key", Config{Provider: "openai", Model: "m", Endpoint: "http://x", MaxRetries: 1, TimeoutSecs: 10}, true},
		{"missing model", Config{Provider: "ollama", Endpoint: "http://x", MaxRetries: 1, TimeoutSecs: 10}, true},
		{"missing endpoint", Config{Provider: "ollama", Model: "m", MaxRetries: 1, TimeoutSecs: 10}, true},
		{"negative retries", Config{Provider: "ollama", Model: "m", Endpoint: "http://x", MaxRetries: -1, TimeoutSecs: 10}, true},
		{"zero timeout", Config{Provider: "ollama", Model: "m", Endpoint: "http://x", MaxRetries: 1}, true},
		{"local with paths", Config{Provider: "local", Model: "m", ModelPath: "/m.onnx", TokenizerPath: "/t.json"}, false},
		{"local without paths", Config{Provider: "local", Model: "m"}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr = %v", tc.name, err, tc.wantErr)
		}
	}
}

func embedServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(&Config{
		Provider: "test", Model: "test-model", Endpoint: srv.URL,
		MaxRetries: 1, TimeoutSecs: 5,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func writeEmbeddings(w http.ResponseWriter, vectors map[int][]float32) {
	var resp response
	for idx, vec := range vectors {
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: vec, Index: idx})
	}
	json.NewEncoder(w).Encode(resp)
}

func TestEmbedOrdersByIndex(t *testing.T) {
	client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}
		// Out-of-order response indices must still land at the right rows.
		writeEmbeddings(w, map[int][]float32{
			1: {2, 2},
			0: {1, 1},
		})
	})

	got, err := client.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got[0][0] != 1 || got[1][0] != 2 {
		t.Fatalf("rows misplaced: %v", got)
	}
	if client.Dimensions() != 2 {
		t.Fatalf("Dimensions = %d", client.Dimensions())
	}
}

func TestEmbedSkipsEmptyTexts(t *testing.T) {
	client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 1 || req.Input[0] != "real" {
			t.Errorf("input = %v", req.Input)
		}
		writeEmbeddings(w, map[int][]float32{0: {9}})
	})

	got, err := client.Embed(context.Background(), []string{"", "real", "   "})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got[0] != nil || got[2] != nil {
		t.Fatalf("empty texts must get nil vectors: %v", got)
	}
	if got[1][0] != 9 {
		t.Fatalf("real text vector: %v", got[1])
	}
}

func TestEmbedAllEmptyDoesNotCallAPI(t *testing.T) {
	calls := 0
	client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})
	got, err := client.Embed(context.Background(), []string{"", "  "})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != 2 || got[0] != nil || got[1] != nil {
		t.Fatalf("got %v", got)
	}
	if calls != 0 {
		t.Fatalf("API called %d times for empty input", calls)
	}
}

func TestEmbedRetriesOnServerError(t *testing.T) {
	attempts := 0
	client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		writeEmbeddings(w, map[int][]float32{0: {4}})
	})

	got, err := client.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Embed after retry: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if got[0][0] != 4 {
		t.Fatalf("got %v", got)
	}
}

func TestEmbedExhaustsRetries(t *testing.T) {
	attempts := 0
	client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "down", http.StatusBadGateway)
	})

	_, err := client.Embed(context.Background(), []string{"x"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want MaxRetries+1 = 2", attempts)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
}

func TestAttemptParsesRetryAfter(t *testing.T) {
	client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := client.attempt(context.Background(), []string{"x"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v", err)
	}
	if httpErr.StatusCode != http.StatusTooManyRequests || httpErr.RetryAfter != 7*time.Second {
		t.Fatalf("HTTPError = %+v", httpErr)
	}
	if !strings.Contains(httpErr.Error(), "429") {
		t.Fatalf("Error() = %q", httpErr.Error())
	}
}

func TestEmbedRejectsCountMismatch(t *testing.T) {
	client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddings(w, map[int][]float32{0: {1}})
	})
	if _, err := client.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatalf("short response accepted")
	}
}

type countingEmbedder struct {
	calls int
	texts []string
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	e.texts = append(e.texts, texts...)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (e *countingEmbedder) Dimensions() int { return 1 }

func newTestCached(t *testing.T) (*CachedEmbedder, *countingEmbedder) {
	t.Helper()
	store, err := cache.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	inner := &countingEmbedder{}
	return NewCached(inner, cache.NewEmbeddingCache(store)), inner
}

func TestCachedEmbedderOnlyEmbedsMisses(t *testing.T) {
	cached, inner := newTestCached(t)
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"aa", "bbb"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if first[0][0] != 2 || first[1][0] != 3 {
		t.Fatalf("first = %v", first)
	}

	second, err := cached.Embed(ctx, []string{"bbb", "cccc"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if second[0][0] != 3 || second[1][0] != 4 {
		t.Fatalf("second = %v", second)
	}
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls)
	}
	// Only the misses ever reached the inner embedder.
	want := []string{"aa", "bbb", "cccc"}
	if fmt.Sprint(inner.texts) != fmt.Sprint(want) {
		t.Fatalf("inner saw %v, want %v", inner.texts, want)
	}
}

func TestCachedEmbedderFullHitSkipsInner(t *testing.T) {
	cached, inner := newTestCached(t)
	ctx := context.Background()

	if _, err := cached.Embed(ctx, []string{"warm"}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, err := cached.Embed(ctx, []string{"warm"}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}
}

func TestCachedEmbedderSkipsEmptyTexts(t *testing.T) {
	cached, inner := newTestCached(t)
	got, err := cached.Embed(context.Background(), []string{"", "x"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got[0] != nil {
		t.Fatalf("empty text got a vector: %v", got[0])
	}
	if len(inner.texts) != 1 || inner.texts[0] != "x" {
		t.Fatalf("inner saw %v", inner.texts)
	}
}
