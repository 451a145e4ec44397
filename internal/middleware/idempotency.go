package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Strob0t/omnitask/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyBody   = 1 << 20
	idempotencyPrefix    = "idem."
)

// storedResponse is a replayable response plus the fingerprint of the
// request that produced it.
type storedResponse struct {
	RequestHash string      `json:"request_hash"`
	Status      int         `json:"status"`
	Header      http.Header `json:"header"`
	Body        []byte      `json:"body"`
}

type idempotency struct {
	store cache.Cache
	ttl   time.Duration

	// inflight holds keys whose first request is still running in this
	// process.
	inflight sync.Map
}

// Idempotency replays the stored response when a mutating request is
// repeated with the same Idempotency-Key by the same user on the same path.
//
// Only 2xx responses are stored, so a request rejected for lack of funds can
// be retried with the same key. Reusing a key with a different body is
// rejected with 422; a repeat arriving while the first is still running
// gets 409.
func Idempotency(store cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	m := &idempotency{store: store, ttl: ttl}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			m.serve(w, r, next, key)
		})
	}
}

func (m *idempotency) serve(w http.ResponseWriter, r *http.Request, next http.Handler, key string) {
	ctx := r.Context()
	storeKey := idempotencyPrefix + cache.HashKey(UserIDFromContext(ctx), r.Method, r.URL.Path, key)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotencyBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	requestHash := cache.HashKey(string(body))

	var prev storedResponse
	found, err := cache.GetJSON(ctx, m.store, storeKey, &prev)
	if err != nil {
		slog.WarnContext(ctx, "idempotency lookup failed", "error", err)
	}
	if found {
		if prev.RequestHash != requestHash {
			writeJSONError(w, http.StatusUnprocessableEntity, "Idempotency-Key was already used with a different request")
			return
		}
		replay(w, &prev)
		return
	}

	if _, busy := m.inflight.LoadOrStore(storeKey, struct{}{}); busy {
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusConflict, "a request with this Idempotency-Key is in progress")
		return
	}
	defer m.inflight.Delete(storeKey)

	rec := &capture{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(rec, r)

	if rec.status < 200 || rec.status >= 300 || rec.body.Len() > maxIdempotencyBody {
		return
	}
	header := w.Header().Clone()
	header.Del(headerRequestID)
	resp := storedResponse{RequestHash: requestHash, Status: rec.status, Header: header, Body: rec.body.Bytes()}
	if err := cache.SetJSON(ctx, m.store, storeKey, resp, m.ttl); err != nil {
		slog.WarnContext(ctx, "idempotency store failed", "error", err)
	}
}

func replay(w http.ResponseWriter, resp *storedResponse) {
	h := w.Header()
	for k, vals := range resp.Header {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set(headerReplayed, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// capture tees the response body while passing it through.
type capture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *capture) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
