package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func openTestCache(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreBucketsAreIsolated(t *testing.T) {
	s := openTestCache(t)
	ctx := context.Background()

	if err := s.Put(ctx, "a", "k", []byte("alpha")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "b", "k", []byte("beta")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	val, ok, err := s.Get(ctx, "a", "k")
	if err != nil || !ok || string(val) != "alpha" {
		t.Fatalf("bucket a: val=%q ok=%v err=%v", val, ok, err)
	}

	if err := s.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a", "k"); ok {
		t.Fatalf("cleared bucket still has entries")
	}
	if _, ok, _ := s.Get(ctx, "b", "k"); !ok {
		t.Fatalf("clearing one bucket emptied another")
	}
}

func TestStoreMissAndOverwrite(t *testing.T) {
	s := openTestCache(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "a", "missing"); ok || err != nil {
		t.Fatalf("miss: ok=%v err=%v", ok, err)
	}

	if err := s.Put(ctx, "a", "k", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "a", "k", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	val, _, _ := s.Get(ctx, "a", "k")
	if string(val) != "v2" {
		t.Fatalf("overwrite not last-write-wins: %q", val)
	}

	n, err := s.Count(ctx, "a")
	if err != nil || n != 1 {
		t.Fatalf("count = %d err=%v, want 1", n, err)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	c := NewEmbeddingCache(openTestCache(t))
	ctx := context.Background()

	vec := []float32{0.5, -1.25, 3}
	if err := c.Put(ctx, "some post", vec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := c.Get(ctx, "some post")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if len(got) != 3 || got[0] != 0.5 || got[1] != -1.25 || got[2] != 3 {
		t.Fatalf("vector corrupted: %v", got)
	}
}

func TestGetOrComputeMemoizes(t *testing.T) {
	c := NewEmbeddingCache(openTestCache(t))
	ctx := context.Background()

	computes := 0
	compute := func(ctx context.Context, text string) ([]float32, error) {
		computes++
		return []float32{float32(len(text))}, nil
	}

	for i := 0; i < 3; i++ {
		vec, err := c.GetOrCompute(ctx, "hello", compute)
		if err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
		if vec[0] != 5 {
			t.Fatalf("vec = %v", vec)
		}
	}
	if computes != 1 {
		t.Fatalf("computed %d times, want 1", computes)
	}
}

func TestGetOrComputePropagatesErrors(t *testing.T) {
	c := NewEmbeddingCache(openTestCache(t))
	wantErr := errors.New("model offline")
	_, err := c.GetOrCompute(context.Background(), "x", func(context.Context, string) ([]float32, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestGetOrComputeToleratesRacingMisses(t *testing.T) {
	c := NewEmbeddingCache(openTestCache(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec, err := c.GetOrCompute(ctx, "contested", func(ctx context.Context, text string) ([]float32, error) {
				return []float32{7}, nil
			})
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
				return
			}
			if vec[0] != 7 {
				t.Errorf("vec = %v", vec)
			}
		}()
	}
	wg.Wait()

	vec, ok, err := c.Get(ctx, "contested")
	if err != nil || !ok || vec[0] != 7 {
		t.Fatalf("final value: vec=%v ok=%v err=%v", vec, ok, err)
	}
}

func TestPictureFreshnessRules(t *testing.T) {
	c := NewPictureCache(openTestCache(t))
	ctx := context.Background()

	if err := c.Update(ctx, "alice", "http://pics/a1.jpg", []byte("img1"), 100); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// An older observation never replaces a newer one.
	if err := c.Update(ctx, "alice", "http://pics/a0.jpg", []byte("img0"), 50); err != nil {
		t.Fatalf("Update older: %v", err)
	}
	data, url, ok, err := c.Get(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if url != "http://pics/a1.jpg" || string(data) != "img1" {
		t.Fatalf("older observation replaced newer: url=%q data=%q", url, data)
	}

	// Same URL seen later refreshes the timestamp but keeps the bytes.
	if err := c.Update(ctx, "alice", "http://pics/a1.jpg", nil, 200); err != nil {
		t.Fatalf("Update refresh: %v", err)
	}
	data, _, _, _ = c.Get(ctx, "alice")
	if string(data) != "img1" {
		t.Fatalf("timestamp refresh dropped image bytes: %q", data)
	}

	// A genuinely newer URL replaces everything.
	if err := c.Update(ctx, "alice", "http://pics/a2.jpg", []byte("img2"), 300); err != nil {
		t.Fatalf("Update newer: %v", err)
	}
	data, url, _, _ = c.Get(ctx, "alice")
	if url != "http://pics/a2.jpg" || string(data) != "img2" {
		t.Fatalf("newer observation not stored: url=%q data=%q", url, data)
	}

	// Blank identities are ignored rather than stored.
	if err := c.Update(ctx, "", "http://pics/x.jpg", nil, 400); err != nil {
		t.Fatalf("Update blank: %v", err)
	}
	if err := c.Update(ctx, "bob", "", nil, 400); err != nil {
		t.Fatalf("Update blank url: %v", err)
	}
	if _, _, ok, _ := c.Get(ctx, "bob"); ok {
		t.Fatalf("blank observation was stored")
	}
}

func TestPictureCountAndClear(t *testing.T) {
	c := NewPictureCache(openTestCache(t))
	ctx := context.Background()

	for i, user := range []string{"alice", "bob", "carol"} {
		if err := c.Update(ctx, user, "http://pics/p.jpg", []byte("img"), int64(i+1)); err != nil {
			t.Fatalf("Update %s: %v", user, err)
		}
	}
	n, err := c.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v, want 3", n, err)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	n, err = c.Count(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Count after clear = %d, %v, want 0", n, err)
	}
}

func TestBytesToFloat32Validation(t *testing.T) {
	if _, err := bytesToFloat32([]byte{1, 2, 3}); err == nil {
		t.Fatalf("truncated blob must be rejected")
	}
}
