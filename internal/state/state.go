// Package state holds the in-memory model for one visualization session:
// the imported posts, their embeddings and projections, every clustering
// result computed so far, and the user's per-cluster customizations.
//
// The hard part lives in reconcile.go: when the user re-clusters with a new
// minimum cluster size, the clusterer hands back arbitrary fresh integer
// labels, and we have to figure out which of the newly labeled clusters is
// "the same" cluster the user already named.
//
// An AnalysisState is not safe for concurrent use. The session layer drives
// it from a single logical thread of control; every mutation is computed
// fully before being committed in one assignment.
package state

import (
	"fmt"
	"sort"
	"time"
)

// NoiseLabel is the clusterer's sentinel for points assigned to no cluster.
const NoiseLabel = -1

// DefaultMinClusterSize is the clustering parameter used on first analysis.
const DefaultMinClusterSize = 5

// DefaultVisualizationName names sessions the user hasn't titled yet.
const DefaultVisualizationName = "Untitled Visualization"

// Item is one imported post. Items are immutable once their embedding is
// attached; identity is the positional index within the session's item
// sequence, which is stable for the session's lifetime.
type Item struct {
	Author            string     `json:"author"`
	Content           string     `json:"content"`
	Likes             int        `json:"likes"`
	Timestamp         *time.Time `json:"timestamp,omitempty"`
	URL               string     `json:"url,omitempty"`
	ProfilePictureURL string     `json:"profilePictureUrl,omitempty"`
	Embedding         []float32  `json:"embedding,omitempty"`
}

// Customization is a user-authored annotation bound to a conceptual cluster.
// Members records the item-index set at the time the customization was last
// synced to a clustering run; it is matching input for the next
// reconciliation, not ground truth (ground truth is always the labels array).
type Customization struct {
	Name    string
	Visible bool
	Members map[int]struct{}
}

func (c *Customization) clone(members map[int]struct{}) *Customization {
	return &Customization{Name: c.Name, Visible: c.Visible, Members: members}
}

// ClusteringResult caches one clustering run keyed by its min-cluster-size
// parameter. LabelToCustID is shared by reference with the live binding while
// the run is current, so lazy customizations created later are visible when
// the user switches back to this size.
type ClusteringResult struct {
	Labels        []int
	LabelToCustID map[int]int
}

// AnalysisState is the single source of truth for one session.
type AnalysisState struct {
	Name string

	Items      []Item
	Embeddings [][]float32
	Data10D    [][]float64
	Data2D     [][]float64

	CurrentLabels         []int
	CurrentMinClusterSize int

	PointLabelsVisible bool

	// All clustering runs so far, by min cluster size.
	clusteringBySize map[int]*ClusteringResult
	// Customization sets per min cluster size, keyed by customization id.
	customizationsBySize map[int]map[int]*Customization
	// Binding for the current labels array. Injective: no two labels share
	// a customization id, and NoiseLabel never appears as a key.
	labelToCustID map[int]int
	// Monotonic; ids are never reused within a session.
	nextCustomizationID int

	globalMinDate *time.Time
	globalMaxDate *time.Time
	startDate     *time.Time
	endDate       *time.Time
}

// New returns an empty AnalysisState ready for SetInitialData or SetFullState.
func New() *AnalysisState {
	return &AnalysisState{
		Name:                  DefaultVisualizationName,
		CurrentMinClusterSize: DefaultMinClusterSize,
		clusteringBySize:      make(map[int]*ClusteringResult),
		customizationsBySize:  make(map[int]map[int]*Customization),
		labelToCustID:         make(map[int]int),
	}
}

// SetInitialData establishes N and binds items to their embeddings. This is
// a single irreversible transition per session (unless a full state restore
// is loaded instead). All four slices must have equal length.
func (s *AnalysisState) SetInitialData(items []Item, embeddings [][]float32, data10D, data2D [][]float64) error {
	n := len(items)
	if len(embeddings) != n || len(data10D) != n || len(data2D) != n {
		return fmt.Errorf("mismatched lengths: %d items, %d embeddings, %d 10D, %d 2D",
			n, len(embeddings), len(data10D), len(data2D))
	}

	s.Items = make([]Item, n)
	for i, item := range items {
		item.Embedding = embeddings[i]
		s.Items[i] = item
	}
	s.Embeddings = embeddings
	s.Data10D = data10D
	s.Data2D = data2D

	s.computeGlobalDateRange()
	return nil
}

// HasClusteringForSize reports whether a result for this size is cached.
func (s *AnalysisState) HasClusteringForSize(size int) bool {
	_, ok := s.clusteringBySize[size]
	return ok
}

// SwitchToExistingClustering pivots to a cached clustering result. O(1): no
// recompute and no reconciliation — the identity bindings were fixed when
// this size was first produced.
func (s *AnalysisState) SwitchToExistingClustering(size int) error {
	cached, ok := s.clusteringBySize[size]
	if !ok {
		return fmt.Errorf("no cached clustering for size %d", size)
	}
	s.CurrentMinClusterSize = size
	s.CurrentLabels = cached.Labels
	s.labelToCustID = cached.LabelToCustID
	return nil
}

// UpdateClusteringResults commits freshly computed labels for newSize. The
// customizations of the currently active size (not newSize's previous state)
// are reconciled against the new labels, so names and visibility follow the
// user across parameter changes. This is the only path that carries
// customizations from one size to another.
func (s *AnalysisState) UpdateClusteringResults(newLabels []int, newSize int) {
	old := s.customizationsBySize[s.CurrentMinClusterSize]

	newCusts, newBinding := reconcile(newLabels, old)

	s.customizationsBySize[newSize] = newCusts
	s.labelToCustID = newBinding
	s.CurrentLabels = newLabels
	s.CurrentMinClusterSize = newSize
	s.clusteringBySize[newSize] = &ClusteringResult{
		Labels:        newLabels,
		LabelToCustID: newBinding,
	}
}

// CustomizationsForCurrentSize returns the live customization map for the
// active min cluster size. May be empty but never nil.
func (s *AnalysisState) CustomizationsForCurrentSize() map[int]*Customization {
	if m, ok := s.customizationsBySize[s.CurrentMinClusterSize]; ok {
		return m
	}
	return map[int]*Customization{}
}

// LabelToCustID exposes the current label-to-identity binding.
func (s *AnalysisState) LabelToCustID() map[int]int {
	return s.labelToCustID
}

// Customization returns the customization bound to a label under the current
// size, or nil if the label has none yet.
func (s *AnalysisState) Customization(label int) *Customization {
	id, ok := s.labelToCustID[label]
	if !ok {
		return nil
	}
	return s.customizationsBySize[s.CurrentMinClusterSize][id]
}

// EnsureCustomizationExists returns the customization id bound to label,
// minting one if the label has none yet for the current size. Idempotent.
// A fresh customization gets a default display name derived from the label's
// rank among ascending non-noise labels, and starts invisible.
//
// Noise is never user-nameable; callers must not pass NoiseLabel.
func (s *AnalysisState) EnsureCustomizationExists(label int) int {
	custs, ok := s.customizationsBySize[s.CurrentMinClusterSize]
	if !ok {
		custs = make(map[int]*Customization)
		s.customizationsBySize[s.CurrentMinClusterSize] = custs
	}

	if id, ok := s.labelToCustID[label]; ok {
		return id
	}

	id := s.nextCustomizationID
	s.nextCustomizationID++
	s.labelToCustID[label] = id

	members := make(map[int]struct{})
	for i, l := range s.CurrentLabels {
		if l == label {
			members[i] = struct{}{}
		}
	}

	custs[id] = &Customization{
		Name:    fmt.Sprintf("Cluster %d", s.labelRank(label)+1),
		Visible: false,
		Members: members,
	}
	return id
}

// labelRank is label's position among the distinct non-noise labels of the
// current clustering, sorted ascending.
func (s *AnalysisState) labelRank(label int) int {
	seen := make(map[int]struct{})
	for _, l := range s.CurrentLabels {
		if l != NoiseLabel {
			seen[l] = struct{}{}
		}
	}
	unique := make([]int, 0, len(seen))
	for l := range seen {
		unique = append(unique, l)
	}
	sort.Ints(unique)
	for i, l := range unique {
		if l == label {
			return i
		}
	}
	return len(unique)
}

// SetClusterName names the cluster currently identified by label, creating
// its customization on first edit. No-op for noise.
func (s *AnalysisState) SetClusterName(label int, name string) {
	if label == NoiseLabel {
		return
	}
	id := s.EnsureCustomizationExists(label)
	if c := s.customizationsBySize[s.CurrentMinClusterSize][id]; c != nil {
		c.Name = name
	}
}

// SetClusterVisibility toggles the label's visibility flag, creating its
// customization on first edit. No-op for noise.
func (s *AnalysisState) SetClusterVisibility(label int, visible bool) {
	if label == NoiseLabel {
		return
	}
	id := s.EnsureCustomizationExists(label)
	if c := s.customizationsBySize[s.CurrentMinClusterSize][id]; c != nil {
		c.Visible = visible
	}
}

// UniqueClusterCount counts distinct non-noise labels in the current run.
func (s *AnalysisState) UniqueClusterCount() int {
	seen := make(map[int]struct{})
	for _, l := range s.CurrentLabels {
		if l != NoiseLabel {
			seen[l] = struct{}{}
		}
	}
	return len(seen)
}

func (s *AnalysisState) computeGlobalDateRange() {
	s.globalMinDate = nil
	s.globalMaxDate = nil
	for i := range s.Items {
		ts := s.Items[i].Timestamp
		if ts == nil {
			continue
		}
		if s.globalMinDate == nil || ts.Before(*s.globalMinDate) {
			t := *ts
			s.globalMinDate = &t
		}
		if s.globalMaxDate == nil || ts.After(*s.globalMaxDate) {
			t := *ts
			s.globalMaxDate = &t
		}
	}
	s.startDate = copyTime(s.globalMinDate)
	s.endDate = copyTime(s.globalMaxDate)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
