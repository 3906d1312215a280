package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postscope/postscope/internal/session"
	"github.com/postscope/postscope/internal/state"
)

func runSessions(args []string) error {
	_, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	summaries, err := a.manager.Summaries(context.Background())
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No sessions saved yet. Run `postscope analyze` to create one.")
		return nil
	}

	fmt.Printf("%-15s %-12s %-6s %-10s %s\n", "ID", "DATE", "POSTS", "STATE", "NAME")
	for _, s := range summaries {
		st := "raw"
		if s.HasSavedState {
			st = "analyzed"
		}
		date := time.UnixMilli(s.Timestamp).Format("2006-01-02")
		fmt.Printf("%-15d %-12s %-6d %-10s %s\n", s.ID, date, s.PostCount, st, s.Name)
	}
	return nil
}

func runDelete(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	id, err := parseSessionID(args, "delete")
	if err != nil {
		return err
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.Delete(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Session %d deleted.\n", id)
	return nil
}

func runClear(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	force := false
	for _, arg := range args {
		if arg == "--force" || arg == "-f" {
			force = true
		}
	}
	if !force {
		return fmt.Errorf("clear deletes every session; pass --force to confirm")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Println("All sessions deleted.")
	return nil
}

func runRenameSession(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: postscope rename <id> <name>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	name := args[1]

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	sess, err := a.manager.Load(ctx, id, nil)
	if err != nil {
		return err
	}
	sess.SetName(ctx, name)
	fmt.Printf("Session %d renamed to %q.\n", id, name)
	return nil
}

// exportRecord is the portable wire form of one session record. The context
// keeps its tagged-union JSON encoding so imports rebuild the right type.
type exportRecord struct {
	ID         int64             `json:"id"`
	Timestamp  int64             `json:"timestamp"`
	Name       string            `json:"name"`
	Context    json.RawMessage   `json:"context"`
	PostCount  int               `json:"postCount"`
	RawItems   []state.Item      `json:"rawItems,omitempty"`
	SavedState *state.Serialized `json:"savedState,omitempty"`
}

func toExportRecord(rec *session.Record) (exportRecord, error) {
	ctxJSON, err := session.MarshalContext(rec.Context)
	if err != nil {
		return exportRecord{}, fmt.Errorf("encoding context for session %d: %w", rec.ID, err)
	}
	return exportRecord{
		ID: rec.ID, Timestamp: rec.Timestamp, Name: rec.Name,
		Context: ctxJSON, PostCount: rec.PostCount,
		RawItems: rec.RawItems, SavedState: rec.SavedState,
	}, nil
}

func fromExportRecord(er exportRecord) (*session.Record, error) {
	c, err := session.UnmarshalContext(er.Context)
	if err != nil {
		return nil, fmt.Errorf("decoding context for session %d: %w", er.ID, err)
	}
	return &session.Record{
		ID: er.ID, Timestamp: er.Timestamp, Name: er.Name,
		Context: c, PostCount: er.PostCount,
		RawItems: er.RawItems, SavedState: er.SavedState,
	}, nil
}

func runExport(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: postscope export <file.json>")
	}
	path := args[0]

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.store.Export(context.Background())
	if err != nil {
		return err
	}

	out := make([]exportRecord, 0, len(records))
	for _, rec := range records {
		er, err := toExportRecord(rec)
		if err != nil {
			return err
		}
		out = append(out, er)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("Exported %d sessions to %s\n", len(out), path)
	return nil
}

func runImport(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: postscope import <file.json> [more files...]")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	// Parse all files concurrently; writes stay on this goroutine because
	// the records must land in one SQLite store.
	var mu sync.Mutex
	var all []*session.Record
	eg, ctx := errgroup.WithContext(context.Background())
	for _, path := range args {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			records, err := loadExportFile(path)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, records...)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	imported, err := a.store.Import(context.Background(), all)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d sessions (%d already present).\n", imported, len(all)-imported)
	return nil
}

func loadExportFile(path string) ([]*session.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var ers []exportRecord
	if err := json.Unmarshal(data, &ers); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	records := make([]*session.Record, 0, len(ers))
	for _, er := range ers {
		rec, err := fromExportRecord(er)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseSessionID(args []string, cmd string) (int64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("usage: postscope %s <id>", cmd)
	}
	return parseID(args[0])
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid session id %q", s)
	}
	return id, nil
}
