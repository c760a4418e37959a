// Package history maintains fixed-capacity rolling windows of recent bar
// fields per instrument, the working memory exposed to strategy code.
package history

import (
	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// Window holds the most recent observations of every field seen for one
// instrument. Each field is a fixed-length slice; new values shift the series
// left by one slot and land at the end, so index len-1 is always the latest.
//
// A field that first appears partway through a run gets a window padded with
// zeros for the slots before its first observation. That approximation is part
// of the contract; callers that care should gate on Inited.
type Window struct {
	capacity int
	count    int
	fields   map[string][]float64
}

// NewWindow creates an empty window with the given capacity.
func NewWindow(capacity int) *Window {
	return &Window{
		capacity: capacity,
		fields:   make(map[string][]float64),
	}
}

// Update shifts and appends the bar's value for every field the bar carries.
// Fields absent from this bar are left untouched.
func (w *Window) Update(bar types.Bar) {
	for name, value := range bar.Fields() {
		series, ok := w.fields[name]
		if !ok {
			series = make([]float64, w.capacity)
			w.fields[name] = series
		}
		copy(series, series[1:])
		series[w.capacity-1] = value
	}
	if w.count < w.capacity {
		w.count++
	}
}

// Inited reports whether the window has received at least capacity updates.
// It is driven by the update counter, independent of which fields exist.
func (w *Window) Inited() bool { return w.count >= w.capacity }

// Field returns the rolling series for a field, or nil if never observed.
// The returned slice is owned by the window; callers must not mutate it.
func (w *Window) Field(name string) []float64 { return w.fields[name] }

// Last returns the most recent value of a field and whether the field has
// been observed at all.
func (w *Window) Last(name string) (float64, bool) {
	series, ok := w.fields[name]
	if !ok {
		return 0, false
	}
	return series[w.capacity-1], true
}

// FieldNames returns the names of all observed fields.
func (w *Window) FieldNames() []string {
	names := make([]string, 0, len(w.fields))
	for name := range w.fields {
		names = append(names, name)
	}
	return names
}

// Store owns one Window per instrument, allocated lazily on first update.
type Store struct {
	capacity int
	windows  map[string]*Window
}

// NewStore creates a store whose windows all share the given capacity.
func NewStore(capacity int) *Store {
	return &Store{
		capacity: capacity,
		windows:  make(map[string]*Window),
	}
}

// Update feeds a bar into the instrument's window, creating it on first sight.
func (s *Store) Update(bar types.Bar) {
	w, ok := s.windows[bar.Code]
	if !ok {
		w = NewWindow(s.capacity)
		s.windows[bar.Code] = w
	}
	w.Update(bar)
}

// Window returns the instrument's window, or nil if it has never seen a bar.
func (s *Store) Window(code string) *Window { return s.windows[code] }

// Get returns the rolling series for (instrument, field), or nil if absent.
func (s *Store) Get(code, field string) []float64 {
	w, ok := s.windows[code]
	if !ok {
		return nil
	}
	return w.Field(field)
}

// Inited reports whether the instrument's window has filled to capacity.
func (s *Store) Inited(code string) bool {
	w, ok := s.windows[code]
	return ok && w.Inited()
}

// LastClose returns the most recent close observed for an instrument.
func (s *Store) LastClose(code string) (float64, bool) {
	w, ok := s.windows[code]
	if !ok {
		return 0, false
	}
	return w.Last("close")
}
