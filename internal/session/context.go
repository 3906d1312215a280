// Package session maps durable session records to live analysis state: it
// persists raw input the moment it arrives, upgrades records to fully-saved
// once analysis completes, re-saves after every mutation, and resumes
// half-finished sessions by re-running the pipeline on the stored items.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/postscope/postscope/internal/state"
)

// Context describes where a session's posts came from. Each variant carries
// only its relevant fields; the variant drives the session's default display
// name and duplicate detection.
type Context interface {
	Type() string
	DisplayName() string
	// Key is a canonical identity string; two contexts with equal keys
	// describe the same source and should share a session.
	Key() string
}

// PostContext is the reply set under a single post.
type PostContext struct {
	Author string
	Text   string
}

func (c PostContext) Type() string        { return "post" }
func (c PostContext) DisplayName() string { return fmt.Sprintf("Replies to @%s", c.Author) }
func (c PostContext) Key() string         { return "post:" + c.Author + ":" + c.Text }

// ProfileContext is the posts of one account, optionally a subpage of it.
type ProfileContext struct {
	Author  string
	Subpage string
}

func (c ProfileContext) Type() string        { return "profile" }
func (c ProfileContext) DisplayName() string { return fmt.Sprintf("Profile of @%s", c.Author) }
func (c ProfileContext) Key() string         { return "profile:" + c.Author + ":" + c.Subpage }

// HomeContext is the home timeline.
type HomeContext struct{}

func (HomeContext) Type() string        { return "home" }
func (HomeContext) DisplayName() string { return "Home Timeline Visualization" }
func (HomeContext) Key() string         { return "home" }

// SearchContext is a search result page.
type SearchContext struct {
	Query  string
	Filter string
}

func (c SearchContext) Type() string        { return "search" }
func (c SearchContext) DisplayName() string { return fmt.Sprintf("Search for %q", c.Query) }
func (c SearchContext) Key() string         { return "search:" + c.Query + ":" + c.Filter }

// ListContext is a curated list timeline.
type ListContext struct {
	Name string
}

func (c ListContext) Type() string        { return "list" }
func (c ListContext) DisplayName() string { return fmt.Sprintf("List: %s", c.Name) }
func (c ListContext) Key() string         { return "list:" + c.Name }

// UnknownContext covers sources the capture layer could not classify.
type UnknownContext struct{}

func (UnknownContext) Type() string        { return "unknown" }
func (UnknownContext) DisplayName() string { return state.DefaultVisualizationName }
func (UnknownContext) Key() string         { return "unknown" }

// contextEnvelope is the flat wire form; Type picks the variant and the
// other fields are populated per variant.
type contextEnvelope struct {
	Type    string `json:"type"`
	Author  string `json:"author,omitempty"`
	Text    string `json:"text,omitempty"`
	Query   string `json:"query,omitempty"`
	Filter  string `json:"filter,omitempty"`
	Name    string `json:"name,omitempty"`
	Subpage string `json:"subpage,omitempty"`
}

// MarshalContext encodes a context as its flat JSON envelope.
func MarshalContext(c Context) ([]byte, error) {
	env := contextEnvelope{Type: c.Type()}
	switch v := c.(type) {
	case PostContext:
		env.Author, env.Text = v.Author, v.Text
	case ProfileContext:
		env.Author, env.Subpage = v.Author, v.Subpage
	case HomeContext, UnknownContext:
	case SearchContext:
		env.Query, env.Filter = v.Query, v.Filter
	case ListContext:
		env.Name = v.Name
	default:
		return nil, fmt.Errorf("unknown context variant %T", c)
	}
	return json.Marshal(env)
}

// UnmarshalContext decodes a JSON envelope into the matching variant.
// An unrecognized type decodes as UnknownContext rather than failing, so
// records written by a newer capture layer still load.
func UnmarshalContext(data []byte) (Context, error) {
	var env contextEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	switch env.Type {
	case "post":
		return PostContext{Author: env.Author, Text: env.Text}, nil
	case "profile":
		return ProfileContext{Author: env.Author, Subpage: env.Subpage}, nil
	case "home":
		return HomeContext{}, nil
	case "search":
		return SearchContext{Query: env.Query, Filter: env.Filter}, nil
	case "list":
		return ListContext{Name: env.Name}, nil
	default:
		return UnknownContext{}, nil
	}
}
