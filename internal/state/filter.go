package state

import "time"

// FilteredData is the parallel item/coordinate/label view produced by the
// active time window. The three slices are index-aligned with each other,
// not with the full dataset; Indices maps each row back to its original
// item index.
type FilteredData struct {
	Items   []Item
	Coords  [][]float64
	Labels  []int
	Indices []int
}

// SetTimeRange sets the inclusive timestamp window applied by Filtered.
// Nil bounds fall back to the global min/max computed at load time.
func (s *AnalysisState) SetTimeRange(start, end *time.Time) {
	if start == nil {
		start = s.globalMinDate
	}
	if end == nil {
		end = s.globalMaxDate
	}
	s.startDate = copyTime(start)
	s.endDate = copyTime(end)
}

// TimeRange returns the active window followed by the global bounds. Any of
// the four may be nil when no item carries a timestamp.
func (s *AnalysisState) TimeRange() (start, end, globalMin, globalMax *time.Time) {
	return copyTime(s.startDate), copyTime(s.endDate), copyTime(s.globalMinDate), copyTime(s.globalMaxDate)
}

// Filtered returns the items, 2D coordinates, and labels inside the active
// window. An item with no timestamp is always included; an item with a
// timestamp strictly outside [start, end] is excluded. With no window set
// the full dataset passes through.
func (s *AnalysisState) Filtered() FilteredData {
	out := FilteredData{}
	for i := range s.Items {
		if !s.inWindow(s.Items[i].Timestamp) {
			continue
		}
		out.Items = append(out.Items, s.Items[i])
		if i < len(s.Data2D) {
			out.Coords = append(out.Coords, s.Data2D[i])
		}
		if i < len(s.CurrentLabels) {
			out.Labels = append(out.Labels, s.CurrentLabels[i])
		}
		out.Indices = append(out.Indices, i)
	}
	return out
}

func (s *AnalysisState) inWindow(ts *time.Time) bool {
	if ts == nil {
		return true
	}
	if s.startDate != nil && ts.Before(*s.startDate) {
		return false
	}
	if s.endDate != nil && ts.After(*s.endDate) {
		return false
	}
	return true
}

// HistogramData buckets all timestamped items into binCount equal slices of
// the global date range and returns the per-bin counts. The result always
// has binCount entries; a dataset with no timestamps or a degenerate range
// puts everything in the first bin.
func (s *AnalysisState) HistogramData(binCount int) []int {
	if binCount <= 0 {
		return nil
	}
	bins := make([]int, binCount)
	if s.globalMinDate == nil || s.globalMaxDate == nil {
		return bins
	}

	span := s.globalMaxDate.Sub(*s.globalMinDate)
	for i := range s.Items {
		ts := s.Items[i].Timestamp
		if ts == nil {
			continue
		}
		bin := 0
		if span > 0 {
			bin = int(float64(ts.Sub(*s.globalMinDate)) / float64(span) * float64(binCount))
			if bin >= binCount {
				bin = binCount - 1
			}
			if bin < 0 {
				bin = 0
			}
		}
		bins[bin]++
	}
	return bins
}
