// Package backendsim is a local stand-in for the record backend: CRUD over
// objects, structured filters, pagination and a per-second request quota.
package backendsim

import (
	"context"
	"errors"
	"sync"

	"github.com/Sternrassler/record-gateway/pkg/records"
	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown records.
var ErrNotFound = errors.New("record not found")

// Store persists records per object in insertion order.
type Store interface {
	List(ctx context.Context, object string) ([]records.Record, error)
	Get(ctx context.Context, object, id string) (records.Record, error)
	Create(ctx context.Context, object string, fields records.Record) (records.Record, error)
	Update(ctx context.Context, object, id string, fields records.Record) (records.Record, error)
	Delete(ctx context.Context, object, id string) error
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

type memObject struct {
	order []string
	byID  map[string]records.Record
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memObject
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memObject)}
}

func (s *MemoryStore) object(name string) *memObject {
	obj, ok := s.objects[name]
	if !ok {
		obj = &memObject{byID: make(map[string]records.Record)}
		s.objects[name] = obj
	}
	return obj
}

// List returns copies of all records of object.
func (s *MemoryStore) List(_ context.Context, object string) ([]records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[object]
	if !ok {
		return nil, nil
	}
	out := make([]records.Record, 0, len(obj.order))
	for _, id := range obj.order {
		out = append(out, obj.byID[id].Clone())
	}
	return out, nil
}

// Get returns a copy of one record.
func (s *MemoryStore) Get(_ context.Context, object, id string) (records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[object]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := obj.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Create stores fields under a new id.
func (s *MemoryStore) Create(_ context.Context, object string, fields records.Record) (records.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := fields.Clone()
	id := rec.ID()
	if id == "" {
		id = NewID()
		rec[records.IDField] = id
	}

	obj := s.object(object)
	if _, exists := obj.byID[id]; exists {
		return nil, errors.New("duplicate record id")
	}
	obj.order = append(obj.order, id)
	obj.byID[id] = rec
	return rec.Clone(), nil
}

// Update merges fields into an existing record.
func (s *MemoryStore) Update(_ context.Context, object, id string, fields records.Record) (records.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[object]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := obj.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	for k, v := range fields {
		if k == records.IDField {
			continue
		}
		rec[k] = v
	}
	return rec.Clone(), nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(_ context.Context, object, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[object]
	if !ok {
		return ErrNotFound
	}
	if _, ok := obj.byID[id]; !ok {
		return ErrNotFound
	}
	delete(obj.byID, id)
	for i, oid := range obj.order {
		if oid == id {
			obj.order = append(obj.order[:i], obj.order[i+1:]...)
			break
		}
	}
	return nil
}
