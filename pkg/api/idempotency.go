package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// storedResponse is a completed response held for idempotent replay.
type storedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStorer persists responses keyed by idempotency key. The memory
// implementation covers a single broker instance; the Postgres one survives
// restarts and is shared across instances.
type IdempotencyStorer interface {
	Check(key string) (*storedResponse, bool)
	Set(key string, statusCode int, headers http.Header, body []byte)
}

// MemoryIdempotencyStore keeps replayable responses in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*storedResponse
	ttl     time.Duration
}

// NewIdempotencyStore creates an in-memory store that forgets entries after
// ttl. A janitor goroutine sweeps expired entries every five minutes.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*storedResponse),
		ttl:     ttl,
	}
	go s.janitor()
	return s
}

func (s *MemoryIdempotencyStore) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-s.ttl)
		s.mu.Lock()
		for key, entry := range s.entries {
			if entry.CachedAt.Before(cutoff) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

// Check returns the response stored under key when one exists and has not
// expired. Expired entries are dropped on the spot.
func (s *MemoryIdempotencyStore) Check(key string) (*storedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.CachedAt) >= s.ttl {
		delete(s.entries, key)
		return nil, false
	}
	return entry, true
}

// Set stores a response under key, replacing any earlier one.
func (s *MemoryIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &storedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now(),
	}
}

// replayCapture tees the response so a duplicate request can replay it.
type replayCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *replayCapture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *replayCapture) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

// replayKey scopes the client's idempotency key to the method and path, so a
// key reused against a different endpoint cannot replay the wrong response.
func replayKey(r *http.Request, key string) string {
	return r.Method + " " + r.URL.Path + " " + key
}

// IdempotencyMiddleware makes mutating requests carrying an Idempotency-Key
// header safe to retry: the first outcome is stored and duplicates get it
// back unchanged, so a retried establish returns the original relationship
// instead of creating a second one. Only 2xx responses are stored; rejections
// and failures re-run so a corrected request can succeed.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
			default:
				next.ServeHTTP(w, r)
				return
			}
			rawKey := r.Header.Get("Idempotency-Key")
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := replayKey(r, rawKey)

			if stored, ok := store.Check(key); ok {
				for name, vals := range stored.Headers {
					for _, v := range vals {
						w.Header().Set(name, v)
					}
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(stored.StatusCode)
				_, _ = w.Write(stored.Body)
				return
			}

			capture := &replayCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.status >= 200 && capture.status < 300 {
				store.Set(key, capture.status, w.Header().Clone(), capture.body.Bytes())
			}
		})
	}
}
