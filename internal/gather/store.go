package gather

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// connKey identifies one cached connection.
type connKey struct {
	SessionID  string
	ProviderID string
}

func (k connKey) String() string {
	return fmt.Sprintf("%s/%s", k.SessionID, k.ProviderID)
}

// Store caches one live Transport per (session, provider) pair. Connections
// are created lazily on first use, discarded on call failure, and never
// persisted beyond process memory.
//
// Concurrent first-use races on the same key are collapsed with a per-key
// singleflight guard, so unrelated sessions' first connections never
// serialize against each other.
type Store struct {
	dial   DialFunc
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[connKey]Transport

	group singleflight.Group

	// seqMu hands out the per-key mutexes that keep tool invocations for
	// one (session, provider) in submission order.
	seqMu sync.Mutex
	seqs  map[connKey]*sync.Mutex
}

// NewStore creates a connection store dialing through dial.
func NewStore(dial DialFunc, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dial:   dial,
		logger: logger,
		conns:  make(map[connKey]Transport),
		seqs:   make(map[connKey]*sync.Mutex),
	}
}

// get returns the cached transport for key, dialing a new one if needed.
// Reads of an established connection take only the read lock.
func (s *Store) get(ctx context.Context, key connKey) (Transport, error) {
	s.mu.RLock()
	t, ok := s.conns[key]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}

	v, err, _ := s.group.Do(key.String(), func() (any, error) {
		// Re-check: another flight may have just populated the cache.
		s.mu.RLock()
		existing, ok := s.conns[key]
		s.mu.RUnlock()
		if ok {
			return existing, nil
		}

		conn, err := s.dial(ctx, key.SessionID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.conns[key] = conn
		s.mu.Unlock()
		s.logger.Info("upstream connection established",
			slog.String("session_id", key.SessionID),
			slog.String("provider_id", key.ProviderID))
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Transport), nil
}

// invalidate drops and closes the cached transport for key, if any.
func (s *Store) invalidate(key connKey) {
	s.mu.Lock()
	t, ok := s.conns[key]
	delete(s.conns, key)
	s.mu.Unlock()
	if ok {
		_ = t.Close()
		s.logger.Warn("upstream connection discarded",
			slog.String("session_id", key.SessionID),
			slog.String("provider_id", key.ProviderID))
	}
}

// sequence returns the mutex serializing invocations for key. Within one
// session+provider, later submissions depend on upstream state left by
// earlier ones, so calls must not reorder.
func (s *Store) sequence(key connKey) *sync.Mutex {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	m, ok := s.seqs[key]
	if !ok {
		m = &sync.Mutex{}
		s.seqs[key] = m
	}
	return m
}

// callWithReconnect invokes a tool, transparently dropping the cached
// connection and retrying once on failure. A second failure is fatal for
// the call.
func (s *Store) callWithReconnect(ctx context.Context, key connKey, name string, args map[string]any, opts CallOptions) (map[string]any, error) {
	t, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}

	result, err := t.CallTool(ctx, name, args, opts)
	if err == nil {
		return result, nil
	}

	s.logger.Warn("tool call failed, reconnecting",
		slog.String("tool", name),
		slog.String("session_id", key.SessionID),
		slog.String("error", err.Error()))
	s.invalidate(key)

	t, err = s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return t.CallTool(ctx, name, args, opts)
}

// Close tears down every cached connection.
func (s *Store) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[connKey]Transport)
	s.mu.Unlock()
	for _, t := range conns {
		_ = t.Close()
	}
}
