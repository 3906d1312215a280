package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/postscope/postscope/internal/pipeline"
	"github.com/postscope/postscope/internal/state"
)

// ErrNotFound is returned by stores when no record exists for an id.
var ErrNotFound = errors.New("session not found")

// RecordState is where a persisted record sits in its lifecycle.
type RecordState int

const (
	NotFound RecordState = iota
	RawDataOnly
	FullySaved
)

func (s RecordState) String() string {
	switch s {
	case RawDataOnly:
		return "raw-data-only"
	case FullySaved:
		return "fully-saved"
	default:
		return "not-found"
	}
}

// Record is one persisted session.
type Record struct {
	ID         int64
	Timestamp  int64
	Name       string
	Context    Context
	PostCount  int
	RawItems   []state.Item
	SavedState *state.Serialized
}

// State classifies the record.
func (r *Record) State() RecordState {
	if r == nil {
		return NotFound
	}
	if r.SavedState != nil && len(r.SavedState.Data2D) > 0 {
		return FullySaved
	}
	return RawDataOnly
}

// Summary is the listing view of a record, heavy blobs excluded.
type Summary struct {
	ID            int64
	Timestamp     int64
	Name          string
	Context       Context
	PostCount     int
	HasSavedState bool
}

// RecordStore is the persistence collaborator. Get returns ErrNotFound for
// absent ids; List is sorted by timestamp descending.
type RecordStore interface {
	Get(ctx context.Context, id int64) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]Summary, error)
	Clear(ctx context.Context) error
}

// Incoming is a data-arrival signal: raw items plus their capture context.
type Incoming struct {
	Context Context
	Items   []state.Item
}

// Manager owns the record lifecycle for all sessions in a process.
type Manager struct {
	store RecordStore
	orch  *pipeline.Orchestrator
	log   *zap.Logger
	now   func() time.Time

	// MaxSessions caps stored records; oldest beyond the cap are pruned
	// after each new session. Zero means unlimited.
	MaxSessions int

	lastID int64
}

// NewManager builds a Manager. A nil logger disables logging.
func NewManager(store RecordStore, orch *pipeline.Orchestrator, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, orch: orch, log: log, now: time.Now}
}

// Session is a live analysis bound to its durable record. Mutating methods
// re-save the full state after applying the change; a re-save failure is
// logged and swallowed so persistence trouble never blocks the session.
type Session struct {
	m      *Manager
	record *Record
	State  *state.AnalysisState
}

// ID returns the session's durable id.
func (s *Session) ID() int64 { return s.record.ID }

// Begin starts a session for freshly captured items. The raw items are
// persisted before any analysis runs, so a crash mid-pipeline loses nothing;
// the record upgrades to fully-saved when the pipeline completes. If a
// record with the same context already exists, that session is resumed
// instead of creating a duplicate.
func (m *Manager) Begin(ctx context.Context, c Context, items []state.Item, onProgress pipeline.ProgressFunc) (*Session, error) {
	if len(items) == 0 {
		return nil, errors.New("no items to analyze")
	}
	if c == nil {
		c = UnknownContext{}
	}

	if id, ok := m.findByContext(ctx, c); ok {
		m.log.Info("session already exists for this source, resuming",
			zap.Int64("id", id), zap.String("context", c.Key()))
		return m.Load(ctx, id, onProgress)
	}

	rec := &Record{
		ID:        m.nextID(),
		Timestamp: m.now().UnixMilli(),
		Name:      c.DisplayName(),
		Context:   c,
		PostCount: len(items),
		RawItems:  items,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist raw session: %w", err)
	}
	m.prune(ctx)

	return m.analyze(ctx, rec, onProgress)
}

// Load opens an existing session. Fully-saved records restore directly and
// only rehydrate the reducer for future queries; raw-only records re-run
// the whole pipeline on the stored items.
func (m *Manager) Load(ctx context.Context, id int64, onProgress pipeline.ProgressFunc) (*Session, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", id, err)
	}

	switch rec.State() {
	case FullySaved:
		st := state.New()
		st.SetFullState(rec.SavedState)
		if st.Name == state.DefaultVisualizationName && rec.Name != "" {
			st.Name = rec.Name
		}
		if err := m.orch.Rehydrate(st.Embeddings, st.Data10D, st.Data2D); err != nil {
			return nil, fmt.Errorf("rehydrate session %d: %w", id, err)
		}
		return &Session{m: m, record: rec, State: st}, nil
	default:
		return m.analyze(ctx, rec, onProgress)
	}
}

// Resume opens a session that may not be persisted yet. When the record is
// absent and a data-arrival signal is pending, Resume waits up to the given
// bound for the data and then begins a fresh session with it.
func (m *Manager) Resume(ctx context.Context, id int64, pending <-chan Incoming, wait time.Duration, onProgress pipeline.ProgressFunc) (*Session, error) {
	s, err := m.Load(ctx, id, onProgress)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) || pending == nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("waited %s for session data: %w", wait, ErrNotFound)
	case in := <-pending:
		return m.Begin(ctx, in.Context, in.Items, onProgress)
	}
}

// analyze runs the full pipeline over a record's raw items and upgrades the
// record to fully-saved.
func (m *Manager) analyze(ctx context.Context, rec *Record, onProgress pipeline.ProgressFunc) (*Session, error) {
	res, err := m.orch.RunFullAnalysis(ctx, rec.RawItems, onProgress)
	if err != nil {
		return nil, fmt.Errorf("analyze session %d: %w", rec.ID, err)
	}

	st := state.New()
	st.Name = rec.Name
	if err := st.SetInitialData(rec.RawItems, res.Embeddings, res.Data10D, res.Data2D); err != nil {
		return nil, fmt.Errorf("bind results for session %d: %w", rec.ID, err)
	}
	st.UpdateClusteringResults(res.Labels, state.DefaultMinClusterSize)

	s := &Session{m: m, record: rec, State: st}
	if err := s.save(ctx); err != nil {
		// First full save failing is worth surfacing; the raw record is
		// still intact for a later resume.
		return nil, fmt.Errorf("persist analysis for session %d: %w", rec.ID, err)
	}
	return s, nil
}

// Summaries lists stored sessions newest first.
func (m *Manager) Summaries(ctx context.Context) ([]Summary, error) {
	return m.store.List(ctx)
}

// Delete removes one session record.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	return m.store.Delete(ctx, id)
}

// Clear removes every session record.
func (m *Manager) Clear(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// findByContext scans stored records for one capturing the same source.
func (m *Manager) findByContext(ctx context.Context, c Context) (int64, bool) {
	summaries, err := m.store.List(ctx)
	if err != nil {
		m.log.Warn("duplicate check failed", zap.Error(err))
		return 0, false
	}
	for _, s := range summaries {
		if s.Context != nil && s.Context.Key() == c.Key() {
			return s.ID, true
		}
	}
	return 0, false
}

// nextID issues creation-time ids that stay strictly monotonic even when
// two sessions begin within the same millisecond.
func (m *Manager) nextID() int64 {
	id := m.now().UnixMilli()
	if id <= m.lastID {
		id = m.lastID + 1
	}
	m.lastID = id
	return id
}

// prune drops the oldest records beyond MaxSessions.
func (m *Manager) prune(ctx context.Context) {
	if m.MaxSessions <= 0 {
		return
	}
	summaries, err := m.store.List(ctx)
	if err != nil {
		m.log.Warn("prune listing failed", zap.Error(err))
		return
	}
	for i := m.MaxSessions; i < len(summaries); i++ {
		if err := m.store.Delete(ctx, summaries[i].ID); err != nil {
			m.log.Warn("prune delete failed", zap.Int64("id", summaries[i].ID), zap.Error(err))
		}
	}
}

// save persists the full serialized state onto the session's record.
func (s *Session) save(ctx context.Context) error {
	s.record.SavedState = s.State.Serializable()
	s.record.Name = s.State.Name
	s.record.PostCount = len(s.State.Items)
	return s.m.store.Put(ctx, s.record)
}

// autosave is the best-effort variant used after interactive mutations.
func (s *Session) autosave(ctx context.Context) {
	if err := s.save(ctx); err != nil {
		s.m.log.Warn("autosave failed", zap.Int64("id", s.record.ID), zap.Error(err))
	}
}

// Recluster applies a new minimum cluster size, reusing the cached result
// when this size has been seen before.
func (s *Session) Recluster(ctx context.Context, minClusterSize int) error {
	if minClusterSize < 1 {
		return fmt.Errorf("minimum cluster size must be at least 1, got %d", minClusterSize)
	}

	if s.State.HasClusteringForSize(minClusterSize) {
		if err := s.State.SwitchToExistingClustering(minClusterSize); err != nil {
			return err
		}
	} else {
		labels, err := s.m.orch.RunClustering(ctx, s.State.Data10D, minClusterSize)
		if err != nil {
			return err
		}
		s.State.UpdateClusteringResults(labels, minClusterSize)
	}

	s.autosave(ctx)
	return nil
}

// RenameCluster sets the display name of the cluster behind a label.
func (s *Session) RenameCluster(ctx context.Context, label int, name string) {
	s.State.SetClusterName(label, name)
	s.autosave(ctx)
}

// SetClusterVisibility toggles one cluster's visibility flag.
func (s *Session) SetClusterVisibility(ctx context.Context, label int, visible bool) {
	s.State.SetClusterVisibility(label, visible)
	s.autosave(ctx)
}

// SetName retitles the session.
func (s *Session) SetName(ctx context.Context, name string) {
	s.State.Name = name
	s.autosave(ctx)
}

// SetPointLabelsVisible toggles the per-point label overlay flag.
func (s *Session) SetPointLabelsVisible(ctx context.Context, visible bool) {
	s.State.PointLabelsVisible = visible
	s.autosave(ctx)
}

// Query maps arbitrary text into the session's 2D space.
func (s *Session) Query(ctx context.Context, text string) ([]float64, error) {
	coords, err := s.m.orch.TransformQuery(ctx, text, s.State.Items, s.State.Data2D)
	if err != nil {
		return nil, err
	}
	s.autosave(ctx)
	return coords, nil
}
