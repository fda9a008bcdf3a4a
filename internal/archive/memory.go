// Package archive stores raw fetched bodies and returns addressable URIs.
package archive

import (
	"context"
	"sync"
)

// Object is one archived blob.
type Object struct {
	Path        string
	ContentType string
	Data        []byte
}

// Memory keeps archived objects in a map. Used in tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemory creates an empty in-memory archive.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

// PutObject stores the blob under path and returns a mem:// URI.
func (m *Memory) PutObject(_ context.Context, path, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = Object{
		Path:        path,
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
	}
	return "mem://" + path, nil
}

// Get returns a stored object by path.
func (m *Memory) Get(path string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	return obj, ok
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
