package tracking

// Registry owns the live tracks of a session, keyed by id, in insertion order.
// It is not safe for concurrent use; the Controller owns it.
type Registry struct {
	tracks map[TrackID]*Track
	order  []TrackID
	nextID TrackID
}

// Reader is the read-only view of a Registry given to presentation sinks.
type Reader interface {
	Len() int
	Get(id TrackID) (View, bool)
	Each(fn func(View))
	Snapshot() []View
}

func NewRegistry() *Registry {
	return &Registry{tracks: make(map[TrackID]*Track)}
}

// Add assigns a fresh id to t and stores it. Any id already set on t is ignored.
func (r *Registry) Add(t *Track) TrackID {
	r.nextID++
	t.ID = r.nextID
	r.tracks[t.ID] = t
	r.order = append(r.order, t.ID)
	return t.ID
}

// Remove deletes a track. The caller is responsible for its tracker instance.
func (r *Registry) Remove(id TrackID) (*Track, bool) {
	t, ok := r.tracks[id]
	if !ok {
		return nil, false
	}
	delete(r.tracks, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return t, true
}

func (r *Registry) Len() int {
	return len(r.tracks)
}

func (r *Registry) Get(id TrackID) (View, bool) {
	t, ok := r.tracks[id]
	if !ok {
		return View{}, false
	}
	return t.View(), true
}

func (r *Registry) lookup(id TrackID) *Track {
	return r.tracks[id]
}

// Each visits every track in insertion order.
func (r *Registry) Each(fn func(View)) {
	for _, id := range r.order {
		fn(r.tracks[id].View())
	}
}

func (r *Registry) Snapshot() []View {
	views := make([]View, 0, len(r.order))
	r.Each(func(v View) {
		views = append(views, v)
	})
	return views
}

// ids returns a copy of the iteration order, so the caller may mutate the
// registry while walking it.
func (r *Registry) ids() []TrackID {
	out := make([]TrackID, len(r.order))
	copy(out, r.order)
	return out
}
