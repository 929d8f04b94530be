package auth

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size hashed during authentication.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedTimestampSkew = 2 * time.Minute
	maxNonceWindow          = 10 * time.Minute
	defaultNonceCapacity    = 4096
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
// Nonces are tracked per key in a bounded window so a captured request
// cannot be replayed inside the timestamp skew.
type Authenticator struct {
	secrets       map[string]string
	allowedSkew   time.Duration
	nonceTTL      time.Duration
	nonceCapacity int
	nowFn         func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceStore
}

// NewAuthenticator builds an Authenticator keyed by the provided secrets. The
// map holds API key identifiers mapped to their shared secret.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 || skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	if nonceTTL <= 0 || nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	return &Authenticator{
		secrets:       cloned,
		allowedSkew:   skew,
		nonceTTL:      nonceTTL,
		nonceCapacity: nonceCapacity,
		nowFn:         nowFn,
		nonces:        make(map[string]*nonceStore),
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.allowedSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.registerNonce(apiKey, timestampHeader, nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) registerNonce(apiKey, timestamp, nonce string, now time.Time) bool {
	a.nonceMu.Lock()
	store, ok := a.nonces[apiKey]
	if !ok {
		store = newNonceStore(a.nonceCapacity, a.nonceTTL)
		a.nonces[apiKey] = store
	}
	a.nonceMu.Unlock()
	composite := timestamp + "|" + nonce
	if store.Contains(composite, now) {
		return true
	}
	store.Add(composite, now)
	return false
}

// ComputeSignature derives the HMAC-SHA256 signature over the canonical
// request representation: timestamp, nonce, method, path and a SHA256 body
// digest, newline separated.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write([]byte(hex.EncodeToString(bodyHash[:])))
	return mac.Sum(nil)
}

// CanonicalRequestPath renders the signed path: the escaped path plus the
// query string with keys sorted.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	query := CanonicalQuery(r.URL.RawQuery)
	if query == "" {
		return path
	}
	return path + "?" + query
}

// CanonicalQuery sorts query parameters so both sides sign the same string.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		entries := values[key]
		sort.Strings(entries)
		for _, entry := range entries {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(entry))
		}
	}
	return strings.Join(parts, "&")
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// nonceStore is a TTL-bounded LRU of recently observed nonces.
type nonceStore struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[string]*list.Element
}

type nonceEntry struct {
	key  string
	seen time.Time
}

func newNonceStore(capacity int, ttl time.Duration) *nonceStore {
	return &nonceStore{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (s *nonceStore) Contains(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired(now)
	_, ok := s.entries[key]
	return ok
}

func (s *nonceStore) Add(key string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired(now)
	if elem, ok := s.entries[key]; ok {
		elem.Value.(*nonceEntry).seen = now
		s.order.MoveToBack(elem)
		return
	}
	for s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*nonceEntry).key)
	}
	s.entries[key] = s.order.PushBack(&nonceEntry{key: key, seen: now})
}

func (s *nonceStore) evictExpired(now time.Time) {
	cutoff := now.Add(-s.ttl)
	for {
		oldest := s.order.Front()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*nonceEntry)
		if entry.seen.After(cutoff) {
			return
		}
		s.order.Remove(oldest)
		delete(s.entries, entry.key)
	}
}
