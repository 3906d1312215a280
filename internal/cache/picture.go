package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

const pictureBucket = "profile-pics"

// pictureEntry is the stored form of one profile picture.
type pictureEntry struct {
	OriginalURL string `json:"originalUrl"`
	Data        []byte `json:"data,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// PictureCache keeps the freshest known profile picture per username.
// Freshness is judged by retrieval time, not by URL: a record retrieved
// later always wins, and re-seeing the same URL just refreshes the
// timestamp without rewriting the image bytes.
type PictureCache struct {
	store Store
}

// NewPictureCache wraps a Store with profile-picture semantics.
func NewPictureCache(store Store) *PictureCache {
	return &PictureCache{store: store}
}

// Update records a picture observation. Older observations than the stored
// one are ignored.
func (c *PictureCache) Update(ctx context.Context, username, url string, data []byte, retrievedAt int64) error {
	if username == "" || url == "" {
		return nil
	}

	existing, ok, err := c.get(ctx, username)
	if err != nil {
		return err
	}
	if ok && existing.Timestamp >= retrievedAt {
		return nil
	}
	if ok && existing.OriginalURL == url {
		existing.Timestamp = retrievedAt
		return c.put(ctx, username, existing)
	}

	return c.put(ctx, username, pictureEntry{OriginalURL: url, Data: data, Timestamp: retrievedAt})
}

// Get returns the stored image bytes and source URL for a username.
func (c *PictureCache) Get(ctx context.Context, username string) (data []byte, url string, ok bool, err error) {
	entry, ok, err := c.get(ctx, username)
	if err != nil || !ok {
		return nil, "", false, err
	}
	return entry.Data, entry.OriginalURL, true, nil
}

// Clear drops every cached picture.
func (c *PictureCache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx, pictureBucket)
}

// Count reports how many usernames have a cached picture.
func (c *PictureCache) Count(ctx context.Context) (int64, error) {
	return c.store.Count(ctx, pictureBucket)
}

func (c *PictureCache) get(ctx context.Context, username string) (pictureEntry, bool, error) {
	blob, ok, err := c.store.Get(ctx, pictureBucket, username)
	if err != nil || !ok {
		return pictureEntry{}, false, err
	}
	var entry pictureEntry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return pictureEntry{}, false, fmt.Errorf("corrupt picture entry for %q: %w", username, err)
	}
	return entry, true, nil
}

func (c *PictureCache) put(ctx context.Context, username string, entry pictureEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding picture entry for %q: %w", username, err)
	}
	return c.store.Put(ctx, pictureBucket, username, blob)
}
