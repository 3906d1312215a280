package state

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSerializableRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	items := []Item{
		{Author: "a", Content: "one", Likes: 3, Timestamp: &ts},
		{Author: "b", Content: "two"},
		{Author: "c", Content: "three"},
		{Author: "d", Content: "four"},
	}
	s := New()
	if err := s.SetInitialData(items,
		[][]float32{{1, 2}, {3, 4}, {5, 6}, {7, 8}},
		[][]float64{{1}, {2}, {3}, {4}},
		[][]float64{{1, 1}, {2, 2}, {3, 3}, {4, 4}}); err != nil {
		t.Fatalf("SetInitialData: %v", err)
	}
	s.Name = "My Map"
	s.UpdateClusteringResults([]int{0, 0, 1, -1}, 5)
	s.SetClusterName(0, "Politics")
	s.SetClusterVisibility(1, true)
	s.UpdateClusteringResults([]int{0, 0, 0, -1}, 3)

	blob, err := json.Marshal(s.Serializable())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Serialized
	if err := json.Unmarshal(blob, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	restored := New()
	restored.SetFullState(&decoded)

	if restored.Name != "My Map" {
		t.Fatalf("name = %q", restored.Name)
	}
	if restored.CurrentMinClusterSize != 3 {
		t.Fatalf("current size = %d, want 3", restored.CurrentMinClusterSize)
	}
	if len(restored.Items) != 4 || restored.Items[0].Likes != 3 {
		t.Fatalf("items not restored: %+v", restored.Items)
	}
	if restored.Items[0].Timestamp == nil || !restored.Items[0].Timestamp.Equal(ts) {
		t.Fatalf("timestamp not restored: %v", restored.Items[0].Timestamp)
	}
	if got := restored.UniqueClusterCount(); got != 1 {
		t.Fatalf("unique clusters = %d, want 1", got)
	}

	// Label 0 at size 3 absorbed "Politics" (overlap 2/3) during the live
	// session; that binding must survive the round trip.
	c := restored.Customization(0)
	if c == nil || c.Name != "Politics" {
		t.Fatalf("customization lost in round trip: %+v", c)
	}

	// Switching back to the first size restores its labels and metadata.
	if err := restored.SwitchToExistingClustering(5); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if got := restored.UniqueClusterCount(); got != 2 {
		t.Fatalf("size-5 unique clusters = %d, want 2", got)
	}
	if c := restored.Customization(1); c == nil || !c.Visible {
		t.Fatalf("visibility flag lost: %+v", c)
	}

	// Serialization is deterministic.
	again, err := json.Marshal(s.Serializable())
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	if string(blob) != string(again) {
		t.Fatalf("repeated serialization differs")
	}
}

func TestSetFullStateDefaults(t *testing.T) {
	s := New()
	s.SetFullState(&Serialized{})
	if s.Name != DefaultVisualizationName {
		t.Fatalf("empty name did not default: %q", s.Name)
	}
	if s.CurrentMinClusterSize != DefaultMinClusterSize {
		t.Fatalf("zero min size did not default: %d", s.CurrentMinClusterSize)
	}
}

func TestSetFullStateSharesCurrentBinding(t *testing.T) {
	// The restored live binding and the current size's cached binding must
	// be the same map, so a customization minted after restore is visible
	// when switching away and back.
	s := New()
	s.SetFullState(&Serialized{
		AllItems:       []Item{{Content: "x"}, {Content: "y"}},
		CurrentLabels:  []int{0, 0},
		MinClusterSize: 5,
		ClusteringData: []SizeClustering{
			{Size: 5, Data: ClusteringData{Labels: []int{0, 0}}},
		},
	})
	s.SetClusterName(0, "After Restore")
	if err := s.SwitchToExistingClustering(5); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if c := s.Customization(0); c == nil || c.Name != "After Restore" {
		t.Fatalf("post-restore customization not visible through cache: %+v", c)
	}
}

func TestLegacyObjectKeyedEmbeddings(t *testing.T) {
	blob := []byte(`{
		"visualizationName": "Old Save",
		"allItems": [{"author":"a","content":"x","likes":0}],
		"embeddings": [{"1": 0.5, "0": 0.25, "2": -1}],
		"minClusterSize": 5,
		"nextCustomizationId": 0
	}`)
	var decoded Serialized
	if err := json.Unmarshal(blob, &decoded); err != nil {
		t.Fatalf("unmarshal legacy blob: %v", err)
	}
	if len(decoded.Embeddings) != 1 {
		t.Fatalf("got %d embeddings, want 1", len(decoded.Embeddings))
	}
	want := []float32{0.25, 0.5, -1}
	got := decoded.Embeddings[0]
	if len(got) != len(want) {
		t.Fatalf("embedding length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("embedding[%d] = %v, want %v (keys must sort numerically)", i, got[i], want[i])
		}
	}
}

func TestPairEncodingShape(t *testing.T) {
	e := SizeClustering{Size: 5, Data: ClusteringData{
		Labels:        []int{0, -1},
		LabelToCustID: [][2]int{{0, 2}},
	}}
	blob, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `[5,{"labels":[0,-1],"labelToCustIdMap":[[0,2]]}]`
	if string(blob) != want {
		t.Fatalf("wire shape = %s, want %s", blob, want)
	}
}
