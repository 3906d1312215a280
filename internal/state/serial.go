package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Serialized is the plain-data form of an AnalysisState. The wire shape
// mirrors the persisted-session schema: map-like structures become
// arrays of [key, value] pairs, member sets become index arrays, and dates
// become epoch milliseconds. Older records may omit fields; SetFullState
// fills documented defaults.
type Serialized struct {
	VisualizationName     string               `json:"visualizationName"`
	AllItems              []Item               `json:"allItems"`
	Embeddings            EmbeddingMatrix      `json:"embeddings"`
	Data10D               [][]float64          `json:"data10D"`
	Data2D                [][]float64          `json:"data2D"`
	ArePointLabelsVisible bool                 `json:"arePointLabelsVisible"`
	CurrentLabels         []int                `json:"currentLabels"`
	MinClusterSize        int                  `json:"minClusterSize"`
	Customizations        []SizeCustomizations `json:"customizations,omitempty"`
	ClusteringData        []SizeClustering     `json:"clusteringData,omitempty"`
	NextCustomizationID   int                  `json:"nextCustomizationId"`
	GlobalMinDate         *int64               `json:"globalMinDate,omitempty"`
	GlobalMaxDate         *int64               `json:"globalMaxDate,omitempty"`
	CurrentStartDate      *int64               `json:"currentStartDate,omitempty"`
	CurrentEndDate        *int64               `json:"currentEndDate,omitempty"`
}

// EmbeddingMatrix unmarshals both the current plain-array form and the
// legacy object-keyed form ({"0": 0.1, "1": -0.2, ...}) that older saved
// states used for typed arrays. Legacy objects are converted by their own
// numeric key ordering.
type EmbeddingMatrix [][]float32

func (m *EmbeddingMatrix) UnmarshalJSON(b []byte) error {
	var plain [][]float32
	if err := json.Unmarshal(b, &plain); err == nil {
		*m = plain
		return nil
	}

	var legacy []map[string]float32
	if err := json.Unmarshal(b, &legacy); err != nil {
		return fmt.Errorf("embeddings are neither arrays nor legacy objects: %w", err)
	}

	out := make([][]float32, len(legacy))
	for i, obj := range legacy {
		keys := make([]int, 0, len(obj))
		for k := range obj {
			n, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("legacy embedding %d has non-numeric key %q", i, k)
			}
			keys = append(keys, n)
		}
		sort.Ints(keys)
		vec := make([]float32, len(keys))
		for j, k := range keys {
			vec[j] = obj[strconv.Itoa(k)]
		}
		out[i] = vec
	}
	*m = out
	return nil
}

// CustomizationData is the wire form of a Customization.
type CustomizationData struct {
	Name          string `json:"name"`
	Visible       bool   `json:"visible"`
	MemberIndices []int  `json:"memberIndices"`
}

// CustomizationEntry serializes as a [custId, CustomizationData] pair.
type CustomizationEntry struct {
	ID   int
	Data CustomizationData
}

func (e CustomizationEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.ID, e.Data})
}

func (e *CustomizationEntry) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("customization entry: want [id, data] pair, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.Data)
}

// SizeCustomizations serializes as a [minClusterSize, entries] pair.
type SizeCustomizations struct {
	Size    int
	Entries []CustomizationEntry
}

func (s SizeCustomizations) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{s.Size, s.Entries})
}

func (s *SizeCustomizations) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("customization set: want [size, entries] pair, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &s.Size); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &s.Entries)
}

// ClusteringData is the wire form of one cached clustering run.
type ClusteringData struct {
	Labels        []int    `json:"labels"`
	LabelToCustID [][2]int `json:"labelToCustIdMap"`
}

// SizeClustering serializes as a [minClusterSize, ClusteringData] pair.
type SizeClustering struct {
	Size int
	Data ClusteringData
}

func (s SizeClustering) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{s.Size, s.Data})
}

func (s *SizeClustering) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("clustering data: want [size, data] pair, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &s.Size); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &s.Data)
}

// Serializable converts the state to its plain-data form. Sizes and pair
// entries are emitted in ascending order so repeated serialization of the
// same state is byte-identical.
func (s *AnalysisState) Serializable() *Serialized {
	out := &Serialized{
		VisualizationName:     s.Name,
		AllItems:              s.Items,
		Embeddings:            EmbeddingMatrix(s.Embeddings),
		Data10D:               s.Data10D,
		Data2D:                s.Data2D,
		ArePointLabelsVisible: s.PointLabelsVisible,
		CurrentLabels:         s.CurrentLabels,
		MinClusterSize:        s.CurrentMinClusterSize,
		NextCustomizationID:   s.nextCustomizationID,
		GlobalMinDate:         toMillis(s.globalMinDate),
		GlobalMaxDate:         toMillis(s.globalMaxDate),
		CurrentStartDate:      toMillis(s.startDate),
		CurrentEndDate:        toMillis(s.endDate),
	}

	for _, size := range sortedKeys(s.customizationsBySize) {
		custs := s.customizationsBySize[size]
		entries := make([]CustomizationEntry, 0, len(custs))
		for _, id := range sortedKeys(custs) {
			c := custs[id]
			entries = append(entries, CustomizationEntry{
				ID: id,
				Data: CustomizationData{
					Name:          c.Name,
					Visible:       c.Visible,
					MemberIndices: sortedMembers(c.Members),
				},
			})
		}
		out.Customizations = append(out.Customizations, SizeCustomizations{Size: size, Entries: entries})
	}

	for _, size := range sortedKeys(s.clusteringBySize) {
		run := s.clusteringBySize[size]
		pairs := make([][2]int, 0, len(run.LabelToCustID))
		for _, label := range sortedKeys(run.LabelToCustID) {
			pairs = append(pairs, [2]int{label, run.LabelToCustID[label]})
		}
		out.ClusteringData = append(out.ClusteringData, SizeClustering{
			Size: size,
			Data: ClusteringData{Labels: run.Labels, LabelToCustID: pairs},
		})
	}

	return out
}

// SetFullState restores the state from its plain-data form. Missing fields
// take defaults: name falls back to DefaultVisualizationName, min cluster
// size to DefaultMinClusterSize, everything else to empty. The current
// size's label binding is shared by reference with its cached run, matching
// the live-state invariant.
func (s *AnalysisState) SetFullState(in *Serialized) {
	s.Name = in.VisualizationName
	if s.Name == "" {
		s.Name = DefaultVisualizationName
	}
	s.Items = in.AllItems
	s.Embeddings = [][]float32(in.Embeddings)
	s.Data10D = in.Data10D
	s.Data2D = in.Data2D
	s.PointLabelsVisible = in.ArePointLabelsVisible
	s.CurrentLabels = in.CurrentLabels
	s.CurrentMinClusterSize = in.MinClusterSize
	if s.CurrentMinClusterSize == 0 {
		s.CurrentMinClusterSize = DefaultMinClusterSize
	}
	s.nextCustomizationID = in.NextCustomizationID

	s.customizationsBySize = make(map[int]map[int]*Customization, len(in.Customizations))
	for _, sc := range in.Customizations {
		custs := make(map[int]*Customization, len(sc.Entries))
		for _, e := range sc.Entries {
			members := make(map[int]struct{}, len(e.Data.MemberIndices))
			for _, idx := range e.Data.MemberIndices {
				members[idx] = struct{}{}
			}
			custs[e.ID] = &Customization{Name: e.Data.Name, Visible: e.Data.Visible, Members: members}
		}
		s.customizationsBySize[sc.Size] = custs
	}

	s.clusteringBySize = make(map[int]*ClusteringResult, len(in.ClusteringData))
	for _, run := range in.ClusteringData {
		binding := make(map[int]int, len(run.Data.LabelToCustID))
		for _, pair := range run.Data.LabelToCustID {
			binding[pair[0]] = pair[1]
		}
		s.clusteringBySize[run.Size] = &ClusteringResult{Labels: run.Data.Labels, LabelToCustID: binding}
	}

	s.labelToCustID = make(map[int]int)
	if current, ok := s.clusteringBySize[s.CurrentMinClusterSize]; ok {
		s.labelToCustID = current.LabelToCustID
	}

	s.globalMinDate = fromMillis(in.GlobalMinDate)
	s.globalMaxDate = fromMillis(in.GlobalMaxDate)
	if s.globalMinDate == nil && s.globalMaxDate == nil {
		s.computeGlobalDateRange()
	} else {
		s.startDate = fromMillis(in.CurrentStartDate)
		s.endDate = fromMillis(in.CurrentEndDate)
		if s.startDate == nil {
			s.startDate = copyTime(s.globalMinDate)
		}
		if s.endDate == nil {
			s.endDate = copyTime(s.globalMaxDate)
		}
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func sortedMembers(members map[int]struct{}) []int {
	out := make([]int, 0, len(members))
	for idx := range members {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
