// Package state implements the Shared State Manager (spec.md §4.4):
// three-tier scoped key/value storage (global/stream/execution) with
// lazy load from a backing store and TTL-based purge of execution
// partitions.
package state

import (
	"encoding/json"
	"sync"
	"time"
)

// Scope is one of the three partition tiers.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeStream    Scope = "stream"
	ScopeExecution Scope = "execution"
)

// Isolation controls whether a write/read is forced into execution scope.
type Isolation int

const (
	// Shared uses the caller-specified Scope.
	Shared Isolation = iota
	// Isolated forces the target scope to Execution regardless of the
	// caller's requested Scope.
	Isolated
)

const globalPartitionKey = "default"

// Backend is the persistence contract the manager writes snapshots
// through and lazy-loads from. storage.Store implements it.
type Backend interface {
	Put(namespace, key string, value []byte)
	Get(namespace, key string) ([]byte, bool, error)
	Delete(namespace, key string) error
}

type partition struct {
	mu         sync.Mutex
	data       map[string]interface{}
	lastAccess time.Time
}

// Manager is the Shared State Manager. The zero value is not usable; use
// New.
type Manager struct {
	backend      Backend
	executionTTL time.Duration

	mu         sync.Mutex // guards the three maps below (not partition contents)
	global     *partition
	streams    map[string]*partition
	executions map[string]*partition
}

// New constructs a Manager. executionTTL defaults to 1h when zero
// (spec.md §6.4 execution_state_ttl).
func New(backend Backend, executionTTL time.Duration) *Manager {
	if executionTTL <= 0 {
		executionTTL = time.Hour
	}
	return &Manager{
		backend:      backend,
		executionTTL: executionTTL,
		streams:      make(map[string]*partition),
		executions:   make(map[string]*partition),
	}
}

func namespaceFor(scope Scope) string {
	return "states/" + string(scope)
}

// resolve applies the Isolation rule from spec.md §4.4: ISOLATED always
// targets execution scope; otherwise the caller's requested scope wins.
func resolve(isolation Isolation, requested Scope) Scope {
	if isolation == Isolated {
		return ScopeExecution
	}
	return requested
}

func partitionKey(scope Scope, executionID, streamID string) string {
	switch scope {
	case ScopeStream:
		return streamID
	case ScopeExecution:
		return executionID
	default:
		return globalPartitionKey
	}
}

// getOrLoad returns the in-memory partition for scope/key, lazily
// rehydrating it from the backend on first access. A missing backend
// file yields an empty partition, not an error.
func (m *Manager) getOrLoad(scope Scope, key string) (*partition, error) {
	m.mu.Lock()
	p := m.lookupLocked(scope, key)
	if p != nil {
		m.mu.Unlock()
		return p, nil
	}
	p = &partition{data: make(map[string]interface{})}
	m.storeLocked(scope, key, p)
	m.mu.Unlock()

	if m.backend != nil {
		raw, exists, err := m.backend.Get(namespaceFor(scope), key)
		if err != nil {
			return nil, err
		}
		if exists {
			var data map[string]interface{}
			if err := json.Unmarshal(raw, &data); err == nil {
				p.mu.Lock()
				p.data = data
				p.mu.Unlock()
			}
		}
	}
	return p, nil
}

func (m *Manager) lookupLocked(scope Scope, key string) *partition {
	switch scope {
	case ScopeGlobal:
		return m.global
	case ScopeStream:
		return m.streams[key]
	case ScopeExecution:
		return m.executions[key]
	}
	return nil
}

func (m *Manager) storeLocked(scope Scope, key string, p *partition) {
	switch scope {
	case ScopeGlobal:
		m.global = p
	case ScopeStream:
		m.streams[key] = p
	case ScopeExecution:
		m.executions[key] = p
	}
}

// Write resolves the target scope, then sets key=value in that
// partition and persists a full snapshot of the partition through the
// backend.
func (m *Manager) Write(key string, value interface{}, executionID, streamID string, isolation Isolation, scope Scope) error {
	target := resolve(isolation, scope)
	pk := partitionKey(target, executionID, streamID)
	p, err := m.getOrLoad(target, pk)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.data[key] = value
	p.lastAccess = time.Now()
	snapshot := make(map[string]interface{}, len(p.data))
	for k, v := range p.data {
		snapshot[k] = v
	}
	p.mu.Unlock()

	if m.backend != nil {
		raw, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		m.backend.Put(namespaceFor(target), pk, raw)
	}
	return nil
}

// Read resolves the target scope and returns key's value, or
// (nil, false) if absent.
func (m *Manager) Read(key string, executionID, streamID string, isolation Isolation, scope Scope) (interface{}, bool, error) {
	target := resolve(isolation, scope)
	pk := partitionKey(target, executionID, streamID)
	p, err := m.getOrLoad(target, pk)
	if err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAccess = time.Now()
	v, ok := p.data[key]
	return v, ok, nil
}

// Snapshot returns a copy of an execution partition's full contents,
// used to build the resumable session_state on timeout (spec.md §4.6.6).
func (m *Manager) Snapshot(executionID string) (map[string]interface{}, error) {
	p, err := m.getOrLoad(ScopeExecution, executionID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]interface{}, len(p.data))
	for k, v := range p.data {
		out[k] = v
	}
	return out, nil
}

// PurgeExpiredState removes execution partitions whose last access is
// older than executionTTL, from both memory and the backend. Returns the
// number purged. Idempotent: purging twice purges nothing the second
// time.
func (m *Manager) PurgeExpiredState() int {
	cutoff := time.Now().Add(-m.executionTTL)

	m.mu.Lock()
	var expired []string
	for key, p := range m.executions {
		p.mu.Lock()
		stale := p.lastAccess.Before(cutoff)
		p.mu.Unlock()
		if stale {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(m.executions, key)
	}
	m.mu.Unlock()

	if m.backend != nil {
		for _, key := range expired {
			_ = m.backend.Delete(namespaceFor(ScopeExecution), key)
		}
	}
	return len(expired)
}

// Stats reports partition counts per scope.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	globalCount := 0
	if m.global != nil {
		globalCount = 1
	}
	return map[string]interface{}{
		"global_partitions":    globalCount,
		"stream_partitions":    len(m.streams),
		"execution_partitions": len(m.executions),
	}
}
