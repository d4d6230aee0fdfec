package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidArgument is returned for empty keys or nil values
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned by Update when the key exists in neither tier
	ErrNotFound = errors.New("key not found")
)

// Backend is the durable tier of the store. Implementations expire entries
// themselves; a zero expiresAt means no expiry.
type Backend interface {
	Set(key string, value []byte, expiresAt time.Time) error
	// Get returns the raw value and its expiry. A missing or expired key
	// returns (nil, zero, nil).
	Get(key string) ([]byte, time.Time, error)
	Delete(key string) (bool, error)
	Exists(key string) (bool, error)
	Keys(limit int) ([]string, error)
	CountKeys() (int64, error)
	Ping() error
	Close() error
}

// fallbackEntry holds a value in the volatile in-process tier
type fallbackEntry struct {
	value     map[string]interface{}
	expiresAt time.Time // zero means no expiry
}

// Stats reports store health and sizing
type Stats struct {
	BackendAvailable bool  `json:"backend_available"`
	FallbackEntries  int   `json:"fallback_entries"`
	DurableKeys      int64 `json:"durable_keys"`
	DefaultTTLSec    int   `json:"default_ttl_sec"`
}

// Store persists upload records durably, degrading to an in-process map when
// the durable backend fails. Degradation is sticky: after the first backend
// failure every operation uses the fallback tier until Reset is called.
// Uploads must not fail because the durable tier is temporarily unreachable.
type Store struct {
	backend    Backend
	defaultTTL time.Duration
	logger     *zap.Logger

	mu        sync.Mutex
	fallback  map[string]fallbackEntry
	available bool
}

// New creates a store over the given durable backend
func New(backend Backend, defaultTTL time.Duration, logger *zap.Logger) *Store {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Store{
		backend:    backend,
		defaultTTL: defaultTTL,
		logger:     logger,
		fallback:   make(map[string]fallbackEntry),
		available:  backend != nil,
	}
}

// Set persists value under key with the given TTL (0 means the default TTL,
// negative means no expiry). Backend failures are absorbed: the write lands
// in the fallback tier and the store flips to degraded mode.
func (s *Store) Set(key string, value map[string]interface{}, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	if value == nil {
		return fmt.Errorf("%w: value must be a structured object", ErrInvalidArgument)
	}

	expiresAt := s.expiry(ttl)

	if s.backendAvailable() {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: value is not serializable: %v", ErrInvalidArgument, err)
		}
		if err := s.backend.Set(key, raw, expiresAt); err == nil {
			return nil
		} else {
			s.degrade("set", key, err)
		}
	}

	s.setFallback(key, value, expiresAt)
	return nil
}

// Get returns the stored value, or nil when absent or expired
func (s *Store) Get(key string) (map[string]interface{}, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	if s.backendAvailable() {
		raw, _, err := s.backend.Get(key)
		if err == nil {
			if raw == nil {
				return nil, nil
			}
			var value map[string]interface{}
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, fmt.Errorf("corrupt entry for key %q: %w", key, err)
			}
			return value, nil
		}
		s.degrade("get", key, err)
	}

	return s.getFallback(key), nil
}

// Update merges patch into an existing entry and re-persists it with the
// remaining TTL of the original entry. Returns ErrNotFound when the key
// exists in neither tier.
func (s *Store) Update(key string, patch map[string]interface{}) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	if s.backendAvailable() {
		raw, expiresAt, err := s.backend.Get(key)
		if err == nil {
			if raw == nil {
				return fmt.Errorf("%w: %q", ErrNotFound, key)
			}
			var value map[string]interface{}
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("corrupt entry for key %q: %w", key, err)
			}
			for k, v := range patch {
				value[k] = v
			}
			merged, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("%w: patch is not serializable: %v", ErrInvalidArgument, err)
			}
			if err := s.backend.Set(key, merged, expiresAt); err == nil {
				return nil
			}
			// Fall through to the fallback tier with the merged value and
			// the original expiry preserved.
			s.degrade("update", key, err)
			s.setFallback(key, value, expiresAt)
			return nil
		}
		s.degrade("update", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.fallback[key]
	if !ok || entry.expired(time.Now()) {
		delete(s.fallback, key)
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	for k, v := range patch {
		entry.value[k] = v
	}
	s.fallback[key] = entry
	return nil
}

// Delete removes key from whichever tier holds it. Idempotent; reports
// whether an entry existed.
func (s *Store) Delete(key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	if s.backendAvailable() {
		existed, err := s.backend.Delete(key)
		if err == nil {
			return existed, nil
		}
		s.degrade("delete", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.fallback[key]
	delete(s.fallback, key)
	return existed, nil
}

// Exists reports whether a live entry exists for key
func (s *Store) Exists(key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	if s.backendAvailable() {
		ok, err := s.backend.Exists(key)
		if err == nil {
			return ok, nil
		}
		s.degrade("exists", key, err)
	}

	return s.getFallback(key) != nil, nil
}

// ListAll returns up to limit entries (0 means unrestricted). The durable
// path scans keys then bulk-fetches in chunks bounded by the limit so a
// single request never exceeds it.
func (s *Store) ListAll(limit int) (map[string]map[string]interface{}, error) {
	out := make(map[string]map[string]interface{})

	if s.backendAvailable() {
		keys, err := s.backend.Keys(limit)
		if err == nil {
			chunk := limit
			if chunk <= 0 {
				chunk = 100
			}
			for i := 0; i < len(keys); i += chunk {
				end := i + chunk
				if end > len(keys) {
					end = len(keys)
				}
				for _, key := range keys[i:end] {
					raw, _, err := s.backend.Get(key)
					if err != nil {
						s.degrade("list", key, err)
						return s.listFallback(limit), nil
					}
					if raw == nil {
						continue
					}
					var value map[string]interface{}
					if err := json.Unmarshal(raw, &value); err != nil {
						continue
					}
					out[key] = value
				}
			}
			return out, nil
		}
		s.degrade("list", "", err)
	}

	return s.listFallback(limit), nil
}

// ReapExpired evicts expired entries from the fallback tier. The durable
// backend handles its own expiry.
func (s *Store) ReapExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	reaped := 0
	for key, entry := range s.fallback {
		if entry.expired(now) {
			delete(s.fallback, key)
			reaped++
		}
	}
	return reaped
}

// Stats reports tier availability and sizing. The durable key count is
// best-effort and zero in degraded mode.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	available := s.available
	fallbackCount := len(s.fallback)
	s.mu.Unlock()

	var durableKeys int64
	if available {
		if n, err := s.backend.CountKeys(); err == nil {
			durableKeys = n
		}
	}

	return Stats{
		BackendAvailable: available,
		FallbackEntries:  fallbackCount,
		DurableKeys:      durableKeys,
		DefaultTTLSec:    int(s.defaultTTL.Seconds()),
	}
}

// Reset returns the store to the durable tier after an outage. This is the
// only way out of degraded mode; the store never probes per-call.
func (s *Store) Reset() error {
	if s.backend == nil {
		return fmt.Errorf("no durable backend configured")
	}
	if err := s.backend.Ping(); err != nil {
		return fmt.Errorf("durable backend still unreachable: %w", err)
	}

	s.mu.Lock()
	s.available = true
	s.mu.Unlock()

	s.logger.Info("state store reconnected to durable backend")
	return nil
}

// Close stops the backend
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	switch {
	case ttl == 0:
		return time.Now().Add(s.defaultTTL)
	case ttl < 0:
		return time.Time{}
	default:
		return time.Now().Add(ttl)
	}
}

func (s *Store) backendAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available && s.backend != nil
}

func (s *Store) degrade(op, key string, err error) {
	s.mu.Lock()
	wasAvailable := s.available
	s.available = false
	s.mu.Unlock()

	if wasAvailable {
		s.logger.Warn("durable backend failed, degrading to in-process fallback",
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (s *Store) setFallback(key string, value map[string]interface{}, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[key] = fallbackEntry{value: value, expiresAt: expiresAt}
}

func (s *Store) getFallback(key string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.fallback[key]
	if !ok {
		return nil
	}
	if entry.expired(time.Now()) {
		delete(s.fallback, key)
		return nil
	}
	return entry.value
}

func (s *Store) listFallback(limit int) map[string]map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]interface{})
	now := time.Now()
	for key, entry := range s.fallback {
		if entry.expired(now) {
			continue
		}
		out[key] = entry.value
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (e fallbackEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}
