package provenance

import (
	"sync"
)

// Registry holds per-execution label scopes. Scopes are created when an
// execution begins and destroyed on terminal status to prevent leaks.
type Registry struct {
	mu     sync.RWMutex
	scopes map[string]*Scope
}

func NewRegistry() *Registry {
	return &Registry{
		scopes: make(map[string]*Scope),
	}
}

// Begin creates (or returns) the scope for an execution.
func (r *Registry) Begin(executionID string) *Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scopes[executionID]; ok {
		return s
	}
	s := newScope(executionID)
	r.scopes[executionID] = s
	return s
}

// Get returns the scope for an execution, or nil.
func (r *Registry) Get(executionID string) *Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scopes[executionID]
}

// Cleanup destroys an execution's scope.
func (r *Registry) Cleanup(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scopes, executionID)
}

// Scope is the label state of a single execution.
type Scope struct {
	mu          sync.RWMutex
	executionID string
	objects     map[string]*Metadata // object id -> label
	primitives  map[string]*Metadata // taint key -> label
	byDigest    map[string]*Metadata // content digest -> label
	ids         map[string]*Metadata // metadata id -> label (for dependency walks)
}

func newScope(executionID string) *Scope {
	return &Scope{
		executionID: executionID,
		objects:     make(map[string]*Metadata),
		primitives:  make(map[string]*Metadata),
		byDigest:    make(map[string]*Metadata),
		ids:         make(map[string]*Metadata),
	}
}

func (s *Scope) ExecutionID() string { return s.executionID }

func (s *Scope) index(meta *Metadata) {
	s.ids[meta.ID] = meta
}

func (s *Scope) byID(id string) *Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids[id]
}

// MarkObject labels an object by its identity id.
func (s *Scope) MarkObject(objectID string, meta *Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectID] = meta
	s.index(meta)
}

// LookupObject returns the label for an object id, or nil.
func (s *Scope) LookupObject(objectID string) *Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[objectID]
}

// MarkTainted labels a primitive value under the "tainted:" key space.
func (s *Scope) MarkTainted(value any, meta *Metadata) {
	stringified := Stringify(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primitives["tainted:"+stringified] = meta
	s.byDigest[Digest(stringified)] = meta
	s.index(meta)
}

// MarkField labels a primitive extracted from a labelled object's field, so
// the primitive resolves to its source even when passed around bare.
func (s *Scope) MarkField(objectID, field string, value any, meta *Metadata) {
	stringified := Stringify(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primitives[objectID+":"+field+":"+stringified] = meta
	s.byDigest[Digest(stringified)] = meta
	s.index(meta)
}

// MarkDigest labels a content digest directly (used for provenance hints).
func (s *Scope) MarkDigest(digest string, meta *Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primitives["tainted:#"+digest] = meta
	s.byDigest[digest] = meta
	s.index(meta)
}

// LookupPrimitive resolves a primitive value to its label, or nil.
func (s *Scope) LookupPrimitive(value any) *Metadata {
	digest := DigestOf(value)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byDigest[digest]
}

// Snapshot captures the scope for durable storage across a pause.
type Snapshot struct {
	Registry   []SnapshotEntry `json:"registry"`
	Primitives []SnapshotEntry `json:"primitives"`
	Digests    []SnapshotEntry `json:"digests"`
}

// SnapshotEntry is one (key, metadata) pair.
type SnapshotEntry struct {
	Key  string    `json:"key"`
	Meta *Metadata `json:"meta"`
}

// Snapshot returns a serialisable copy of the scope.
func (s *Scope) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{}
	for id, meta := range s.objects {
		snap.Registry = append(snap.Registry, SnapshotEntry{Key: id, Meta: meta})
	}
	for key, meta := range s.primitives {
		snap.Primitives = append(snap.Primitives, SnapshotEntry{Key: key, Meta: meta})
	}
	for digest, meta := range s.byDigest {
		snap.Digests = append(snap.Digests, SnapshotEntry{Key: digest, Meta: meta})
	}
	return snap
}

// Restore replaces the scope's state with a snapshot.
func (s *Scope) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects = make(map[string]*Metadata, len(snap.Registry))
	s.primitives = make(map[string]*Metadata, len(snap.Primitives))
	s.byDigest = make(map[string]*Metadata, len(snap.Digests))
	s.ids = make(map[string]*Metadata)

	for _, e := range snap.Registry {
		s.objects[e.Key] = e.Meta
		s.index(e.Meta)
	}
	for _, e := range snap.Primitives {
		s.primitives[e.Key] = e.Meta
		s.index(e.Meta)
	}
	for _, e := range snap.Digests {
		s.byDigest[e.Key] = e.Meta
		s.index(e.Meta)
	}
}
