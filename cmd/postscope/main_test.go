package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/postscope/postscope/internal/cache"
	"github.com/postscope/postscope/internal/session"
	"github.com/postscope/postscope/internal/state"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadCSV(t *testing.T) {
	path := writeTemp(t, "posts.csv", `author,content,likes,timestamp,url,profilePictureUrl
alice,"first post, with a comma",12,2024-03-01T10:00:00Z,https://example.com/1,https://pics.example.com/alice.jpg
bob,second post,,,,
carol,third post,7,2024-03-02,
`)
	items, err := loadCSV(path)
	if err != nil {
		t.Fatalf("loadCSV: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Author != "alice" || items[0].Content != "first post, with a comma" {
		t.Fatalf("quoted field mangled: %+v", items[0])
	}
	if items[0].Likes != 12 || items[0].URL != "https://example.com/1" {
		t.Fatalf("optional columns: %+v", items[0])
	}
	if items[0].ProfilePictureURL != "https://pics.example.com/alice.jpg" {
		t.Fatalf("profile picture column: %+v", items[0])
	}
	if items[2].ProfilePictureURL != "" {
		t.Fatalf("absent picture column defaulted to %q", items[2].ProfilePictureURL)
	}
	if items[0].Timestamp == nil || !items[0].Timestamp.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", items[0].Timestamp)
	}
	if items[1].Likes != 0 || items[1].Timestamp != nil {
		t.Fatalf("blank optionals not defaulted: %+v", items[1])
	}
}

func TestLoadCSVWithoutHeader(t *testing.T) {
	path := writeTemp(t, "posts.csv", "alice,hello\nbob,world\n")
	items, err := loadCSV(path)
	if err != nil {
		t.Fatalf("loadCSV: %v", err)
	}
	if len(items) != 2 || items[0].Author != "alice" {
		t.Fatalf("items = %+v", items)
	}
}

func TestLoadCSVErrors(t *testing.T) {
	empty := writeTemp(t, "empty.csv", "")
	if _, err := loadCSV(empty); err == nil {
		t.Fatalf("empty file accepted")
	}

	badLikes := writeTemp(t, "bad.csv", "alice,hello,lots\n")
	if _, err := loadCSV(badLikes); err == nil {
		t.Fatalf("bad likes accepted")
	}

	short := writeTemp(t, "short.csv", "alice\n")
	if _, err := loadCSV(short); err == nil {
		t.Fatalf("row without content accepted")
	}
}

func TestCachePictures(t *testing.T) {
	store, err := cache.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	pics := cache.NewPictureCache(store)
	ctx := context.Background()

	dated := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []state.Item{
		{Author: "alice", Content: "a", ProfilePictureURL: "https://pics/alice.jpg", Timestamp: &dated},
		{Author: "bob", Content: "b"},
		{Author: "carol", Content: "c", ProfilePictureURL: "https://pics/carol.jpg"},
	}
	if err := cachePictures(ctx, pics, items, 999); err != nil {
		t.Fatalf("cachePictures: %v", err)
	}

	_, url, ok, err := pics.Get(ctx, "alice")
	if err != nil || !ok || url != "https://pics/alice.jpg" {
		t.Fatalf("alice: ok=%v url=%q err=%v", ok, url, err)
	}
	if _, _, ok, _ := pics.Get(ctx, "bob"); ok {
		t.Fatalf("item without a picture URL was cached")
	}
	if _, _, ok, _ := pics.Get(ctx, "carol"); !ok {
		t.Fatalf("undated item with a picture URL was skipped")
	}

	// An older sighting of a different URL must not displace the stored one.
	older := []state.Item{{Author: "alice", Content: "a2", ProfilePictureURL: "https://pics/old.jpg"}}
	if err := cachePictures(ctx, pics, older, 10); err != nil {
		t.Fatalf("cachePictures older: %v", err)
	}
	_, url, _, _ = pics.Get(ctx, "alice")
	if url != "https://pics/alice.jpg" {
		t.Fatalf("older sighting replaced newer: %q", url)
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:30:00Z", time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"1709287800000", time.UnixMilli(1709287800000).UTC()},
	}
	for _, tc := range cases {
		got, err := parseTimestamp(tc.in)
		if err != nil {
			t.Errorf("parseTimestamp(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("parseTimestamp(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := parseTimestamp("yesterday"); err == nil {
		t.Errorf("nonsense timestamp accepted")
	}
}

func TestSplitCommon(t *testing.T) {
	rest, opts, err := splitCommon([]string{"posts.csv", "--db", "/tmp/x.db", "--embed", "ollama/m", "--name", "title"})
	if err != nil {
		t.Fatalf("splitCommon: %v", err)
	}
	if opts.resolve.CLIDBPath != "/tmp/x.db" || opts.resolve.CLIEmbed != "ollama/m" {
		t.Fatalf("opts = %+v", opts.resolve)
	}
	if len(rest) != 3 || rest[0] != "posts.csv" || rest[1] != "--name" {
		t.Fatalf("rest = %v", rest)
	}

	if _, _, err := splitCommon([]string{"--db"}); err == nil {
		t.Fatalf("dangling --db accepted")
	}
}

func TestExportRecordRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := &session.Record{
		ID:        42,
		Timestamp: 1714521600000,
		Name:      "My Capture",
		Context:   session.SearchContext{Query: "golang"},
		PostCount: 1,
		RawItems:  []state.Item{{Author: "a", Content: "c", Timestamp: &ts}},
	}

	er, err := toExportRecord(rec)
	if err != nil {
		t.Fatalf("toExportRecord: %v", err)
	}
	back, err := fromExportRecord(er)
	if err != nil {
		t.Fatalf("fromExportRecord: %v", err)
	}
	if back.ID != rec.ID || back.Name != rec.Name {
		t.Fatalf("round trip: %+v", back)
	}
	if back.Context != rec.Context {
		t.Fatalf("context round trip: %#v", back.Context)
	}
	if len(back.RawItems) != 1 || back.RawItems[0].Content != "c" {
		t.Fatalf("items round trip: %+v", back.RawItems)
	}
}

func TestParseID(t *testing.T) {
	id, err := parseID("1714521600000")
	if err != nil || id != 1714521600000 {
		t.Fatalf("parseID: id=%d err=%v", id, err)
	}
	if _, err := parseID("abc"); err == nil {
		t.Fatalf("bad id accepted")
	}
}
