package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/postscope/postscope/internal/cache"
	"github.com/postscope/postscope/internal/pipeline"
	"github.com/postscope/postscope/internal/session"
	"github.com/postscope/postscope/internal/state"
)

func runAnalyze(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}

	var path, name string
	var captureCtx session.Context
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			i++
			if i >= len(args) {
				return fmt.Errorf("--name requires a title")
			}
			name = args[i]
		case "--search":
			i++
			if i >= len(args) {
				return fmt.Errorf("--search requires a query")
			}
			captureCtx = session.SearchContext{Query: args[i]}
		case "--profile":
			i++
			if i >= len(args) {
				return fmt.Errorf("--profile requires a username")
			}
			captureCtx = session.ProfileContext{Author: args[i]}
		case "--list":
			i++
			if i >= len(args) {
				return fmt.Errorf("--list requires a list name")
			}
			captureCtx = session.ListContext{Name: args[i]}
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			path = args[i]
		}
	}
	if path == "" {
		return fmt.Errorf("usage: postscope analyze <file.csv> [--name title] [--search q | --profile user | --list name]")
	}
	if captureCtx == nil {
		captureCtx = session.HomeContext{}
	}

	items, err := loadCSV(path)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d posts from %s\n", len(items), path)

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	pics := cache.NewPictureCache(a.cache)
	if err := cachePictures(ctx, pics, items, time.Now().UnixMilli()); err != nil {
		return err
	}

	sess, err := a.manager.Begin(ctx, captureCtx, items, printProgress())
	if err != nil {
		return err
	}
	fmt.Println()

	if name != "" {
		sess.SetName(ctx, name)
	}
	printOverview(sess)
	return nil
}

// cachePictures records each author's profile picture observation before the
// analysis starts. The item timestamp dates the observation; undated items
// fall back to the capture time.
func cachePictures(ctx context.Context, pics *cache.PictureCache, items []state.Item, fallbackMillis int64) error {
	for i := range items {
		it := &items[i]
		if it.ProfilePictureURL == "" {
			continue
		}
		ts := fallbackMillis
		if it.Timestamp != nil {
			ts = it.Timestamp.UnixMilli()
		}
		if err := pics.Update(ctx, it.Author, it.ProfilePictureURL, nil, ts); err != nil {
			return fmt.Errorf("caching picture for %s: %w", it.Author, err)
		}
	}
	return nil
}

// printProgress writes a single updating status line per pipeline stage.
func printProgress() pipeline.ProgressFunc {
	var lastStage pipeline.Stage
	return func(p pipeline.Progress) {
		if p.Stage != lastStage {
			if lastStage != pipeline.StageIdle {
				fmt.Println()
			}
			lastStage = p.Stage
		}
		if p.Total > 0 {
			fmt.Printf("\r%-12s %d/%d", p.Stage, p.Completed, p.Total)
		} else {
			fmt.Printf("\r%-12s", p.Stage)
		}
	}
}

// loadCSV reads posts from a CSV file. The expected columns are
// author,content,likes,timestamp,url,profilePictureUrl; a header row is
// detected and skipped, and everything beyond author and content is optional.
func loadCSV(path string) ([]state.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	if isHeader(rows[0]) {
		rows = rows[1:]
	}

	items := make([]state.Item, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%s row %d: need at least author and content", path, i+1)
		}
		item := state.Item{Author: row[0], Content: row[1]}
		if len(row) > 2 && row[2] != "" {
			likes, err := strconv.Atoi(strings.TrimSpace(row[2]))
			if err != nil {
				return nil, fmt.Errorf("%s row %d: bad likes %q", path, i+1, row[2])
			}
			item.Likes = likes
		}
		if len(row) > 3 && row[3] != "" {
			ts, err := parseTimestamp(strings.TrimSpace(row[3]))
			if err != nil {
				return nil, fmt.Errorf("%s row %d: bad timestamp %q", path, i+1, row[3])
			}
			item.Timestamp = ts
		}
		if len(row) > 4 {
			item.URL = row[4]
		}
		if len(row) > 5 {
			item.ProfilePictureURL = row[5]
		}
		items = append(items, item)
	}
	return items, nil
}

func isHeader(row []string) bool {
	if len(row) < 2 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(row[0]), "author") &&
		strings.EqualFold(strings.TrimSpace(row[1]), "content")
}

// parseTimestamp accepts RFC 3339, a bare date, or unix milliseconds.
func parseTimestamp(s string) (*time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("unrecognized timestamp format")
}
