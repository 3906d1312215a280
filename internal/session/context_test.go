package session

import (
	"testing"
)

func TestContextDisplayNames(t *testing.T) {
	cases := []struct {
		c    Context
		want string
	}{
		{PostContext{Author: "someone"}, "Replies to @someone"},
		{ProfileContext{Author: "someone"}, "Profile of @someone"},
		{HomeContext{}, "Home Timeline Visualization"},
		{SearchContext{Query: "tariffs"}, `Search for "tariffs"`},
		{ListContext{Name: "Go devs"}, "List: Go devs"},
		{UnknownContext{}, "Untitled Visualization"},
	}
	for _, c := range cases {
		if got := c.c.DisplayName(); got != c.want {
			t.Fatalf("%s display name = %q, want %q", c.c.Type(), got, c.want)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	contexts := []Context{
		PostContext{Author: "a", Text: "the post"},
		ProfileContext{Author: "b", Subpage: "with_replies"},
		HomeContext{},
		SearchContext{Query: "q", Filter: "latest"},
		ListContext{Name: "reading"},
		UnknownContext{},
	}
	for _, c := range contexts {
		blob, err := MarshalContext(c)
		if err != nil {
			t.Fatalf("marshal %s: %v", c.Type(), err)
		}
		back, err := UnmarshalContext(blob)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", c.Type(), err)
		}
		if back != c {
			t.Fatalf("round trip changed %s: %#v -> %#v", c.Type(), c, back)
		}
	}
}

func TestContextUnknownTypeTolerated(t *testing.T) {
	c, err := UnmarshalContext([]byte(`{"type":"spaces","author":"x"}`))
	if err != nil {
		t.Fatalf("unmarshal future variant: %v", err)
	}
	if _, ok := c.(UnknownContext); !ok {
		t.Fatalf("future variant decoded as %T, want UnknownContext", c)
	}
}

func TestContextKeysDistinguishSources(t *testing.T) {
	a := PostContext{Author: "x", Text: "hello"}
	b := PostContext{Author: "x", Text: "other"}
	if a.Key() == b.Key() {
		t.Fatalf("different posts share key %q", a.Key())
	}
	if a.Key() != (PostContext{Author: "x", Text: "hello"}).Key() {
		t.Fatalf("identical contexts produced different keys")
	}
}
