package geminiweb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Cookie names the frontend accepts, keyed by the aliases users paste.
var cookieFieldMap = map[string]string{
	"__secure-1psid":    "__Secure-1PSID",
	"secure_1psid":      "__Secure-1PSID",
	"__secure-1psidts":  "__Secure-1PSIDTS",
	"secure_1psidts":    "__Secure-1PSIDTS",
	"__secure-1papisid": "__Secure-1PAPISID",
	"nid":               "NID",
	"sapisid":           "SAPISID",
	"sid":               "SID",
	"hsid":              "HSID",
	"ssid":              "SSID",
	"apisid":            "APISID",
}

var (
	reSNlM0e  = regexp.MustCompile(`"SNlM0e":"([^"]+)"`)
	reBL      = regexp.MustCompile(`"cfb2h":"([^"]+)"`)
	rePushID  = regexp.MustCompile(`(feeds/[a-z0-9]{14,})`)
	reModelID = regexp.MustCompile(`\[\s*1\s*,\s*null\s*,\s*null\s*,\s*null\s*,\s*"([0-9a-f]{16})"`)
	reSetTS   = regexp.MustCompile(`__Secure-1PSIDTS=([^;]+)`)
)

// ParseCookieBlob accepts either a JSON object of cookie fields or a raw
// "name=value; name=value" header string and returns the canonical cookie
// map. A blob without __Secure-1PSID is rejected.
func ParseCookieBlob(blob string) (map[string]string, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, &MalformedCookieError{Msg: "empty cookie value"}
	}
	cookies := make(map[string]string)
	if strings.HasPrefix(blob, "{") {
		var fields map[string]string
		if err := json.Unmarshal([]byte(blob), &fields); err != nil {
			return nil, &MalformedCookieError{Msg: fmt.Sprintf("invalid cookie JSON: %v", err)}
		}
		for name, value := range fields {
			if canonical, ok := cookieFieldMap[strings.ToLower(name)]; ok {
				cookies[canonical] = value
			}
		}
	} else {
		for _, pair := range strings.Split(blob, ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, value, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, &MalformedCookieError{Msg: fmt.Sprintf("cookie pair %q has no value", pair)}
			}
			name = strings.TrimSpace(name)
			if canonical, ok := cookieFieldMap[strings.ToLower(name)]; ok {
				cookies[canonical] = strings.TrimSpace(value)
			} else {
				cookies[name] = strings.TrimSpace(value)
			}
		}
	}
	if cookies["__Secure-1PSID"] == "" {
		return nil, &MalformedCookieError{Msg: "cookie value is missing __Secure-1PSID"}
	}
	return cookies, nil
}

// CookieHeader renders a cookie map as a request header value with stable
// ordering.
func CookieHeader(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookies[name])
	}
	return strings.Join(pairs, "; ")
}

// Snapshot is one immutable view of a ready session. Turn encoding reads
// from a snapshot so a concurrent refresh or cookie swap never changes a
// request mid-flight.
type Snapshot struct {
	Cookies    map[string]string
	SNlM0e     string
	BL         string
	PushID     string
	FlashID    string
	ProID      string
	Generation int64
}

// SessionStore owns the credential material and the derived page tokens.
// Derivation is single-flight: concurrent turns that find the tokens missing
// share one upstream round trip.
type SessionStore struct {
	mu      sync.Mutex
	cookies map[string]string
	snap    *Snapshot
	gen     int64
	group   singleflight.Group
	client  *http.Client
}

// NewSessionStore parses the cookie blob and returns a store with no derived
// tokens yet.
func NewSessionStore(blob string, client *http.Client) (*SessionStore, error) {
	cookies, err := ParseCookieBlob(blob)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &SessionStore{cookies: cookies, client: client, gen: 1}, nil
}

// SetCookies replaces the credential material, drops the derived tokens and
// bumps the generation counter. In-flight turns keep their old snapshot.
func (s *SessionStore) SetCookies(blob string) error {
	cookies, err := ParseCookieBlob(blob)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cookies = cookies
	s.snap = nil
	s.gen++
	s.mu.Unlock()
	log.Debug("session cookies replaced, derived tokens invalidated")
	return nil
}

// Invalidate drops the derived tokens so the next turn re-derives them. The
// cookies themselves are kept.
func (s *SessionStore) Invalidate() {
	s.mu.Lock()
	s.snap = nil
	s.mu.Unlock()
}

// Cookies returns a copy of the current credential material.
func (s *SessionStore) Cookies() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.cookies))
	for k, v := range s.cookies {
		out[k] = v
	}
	return out
}

// Snapshot returns the current ready session, deriving page tokens first if
// needed. Callers racing on a cold store share a single derivation.
func (s *SessionStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	if s.snap != nil {
		snap := s.snap
		s.mu.Unlock()
		return snap, nil
	}
	gen := s.gen
	s.mu.Unlock()

	v, err, _ := s.group.Do(fmt.Sprintf("derive-%d", gen), func() (any, error) {
		return s.derive(ctx, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// derive loads the frontend page and scrapes the anti-forgery token, build
// label, upload push id and current model identifiers out of its inline
// script.
func (s *SessionStore) derive(ctx context.Context, gen int64) (*Snapshot, error) {
	cookies := s.Cookies()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, EndpointInit, nil)
	if err != nil {
		return nil, &NetworkError{Op: "build init request", Err: err}
	}
	applyHeaders(req, HeadersGemini)
	req.Header.Set("Cookie", CookieHeader(cookies))
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "init request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{Msg: fmt.Sprintf("init page returned status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read init page", Err: err}
	}

	snap := &Snapshot{Cookies: cookies, BL: DefaultBL, Generation: gen}
	if m := reSNlM0e.FindSubmatch(body); m != nil {
		snap.SNlM0e = string(m[1])
	}
	if snap.SNlM0e == "" {
		return nil, &AuthError{
			Msg: fmt.Sprintf("failed to derive SNlM0e for cookie %s, cookies may be invalid or expired",
				MaskToken28(cookies["__Secure-1PSID"])),
		}
	}
	if m := reBL.FindSubmatch(body); m != nil {
		snap.BL = string(m[1])
	}
	if m := rePushID.FindSubmatch(body); m != nil {
		snap.PushID = string(m[1])
	}
	if ids := reModelID.FindAllSubmatch(body, 2); len(ids) > 0 {
		snap.FlashID = string(ids[0][1])
		if len(ids) > 1 {
			snap.ProID = string(ids[1][1])
		}
	}

	s.mu.Lock()
	if s.gen == gen {
		s.snap = snap
	}
	s.mu.Unlock()
	log.Debugf("session tokens derived: SNlM0e=%s bl=%s", MaskToken28(snap.SNlM0e), snap.BL)
	return snap, nil
}

// RotateTS refreshes __Secure-1PSIDTS against the accounts endpoint. The
// derived page tokens stay valid, so only the cookie map is updated.
func (s *SessionStore) RotateTS(ctx context.Context) error {
	cookies := s.Cookies()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, EndpointRotateCookies,
		strings.NewReader(`[000,"-0000000000000000000"]`))
	if err != nil {
		return &NetworkError{Op: "build rotate request", Err: err}
	}
	applyHeaders(req, HeadersRotateCookies)
	req.Header.Set("Cookie", CookieHeader(cookies))
	resp, err := s.client.Do(req)
	if err != nil {
		return &NetworkError{Op: "rotate cookies", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Msg: fmt.Sprintf("cookie rotation rejected with status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Op: "rotate cookies", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	for _, sc := range resp.Header.Values("Set-Cookie") {
		if m := reSetTS.FindStringSubmatch(sc); m != nil {
			s.mu.Lock()
			s.cookies["__Secure-1PSIDTS"] = m[1]
			s.mu.Unlock()
			log.Debugf("rotated __Secure-1PSIDTS to %s", MaskToken28(m[1]))
			return nil
		}
	}
	return nil
}

// StartRotation rotates __Secure-1PSIDTS on an interval until the context is
// cancelled.
func (s *SessionStore) StartRotation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.RotateTS(ctx); err != nil {
					log.Warnf("cookie rotation failed: %v", err)
				}
			}
		}
	}()
}

func applyHeaders(req *http.Request, headers http.Header) {
	for key, values := range headers {
		if key == "Host" {
			if len(values) > 0 {
				req.Host = values[0]
			}
			continue
		}
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}
}
