// Package conversation reconciles stateless chat-completion histories with
// the upstream's stateful conversation handles. Each distinct history prefix
// maps to a cached handle; a hit sends only the newest message, a miss
// flattens the whole history into one tagged prompt.
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/pedrazadixon/gemininixiang/internal/geminiweb"
)

// Message is one chat turn as the caller sent it.
type Message struct {
	Role    string
	Content string
}

// NormalizeRole lowercases a role and folds the "model" alias onto
// "assistant".
func NormalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "model" {
		return "assistant"
	}
	return role
}

// Sha256Hex returns the lowercase hex SHA-256 of data.
func Sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// DeriveKey hashes the model and every message before the newest user
// message into a conversation key. Two requests continuing the same history
// derive the same key without any client cooperation. Assistant content is
// hashed with its leading think block removed, so callers that strip
// reasoning before replaying still land on the same key as callers that
// keep it.
func DeriveKey(model string, msgs []Message) string {
	parts := make([]string, 0, len(msgs)+1)
	parts = append(parts, model)
	for _, m := range msgs {
		role := NormalizeRole(m.Role)
		content := m.Content
		if role == "assistant" {
			content = RemoveThinkTags(content)
		}
		parts = append(parts, Sha256Hex(fmt.Sprintf("{\"content\":%q,\"role\":%q}", content, role)))
	}
	return Sha256Hex(strings.Join(parts, "|"))
}

// Key picks the conversation key for one request: the caller's explicit id
// when present, otherwise a hash of the history before the newest message.
func Key(explicitKey, model string, msgs []Message) string {
	if explicitKey != "" {
		return explicitKey
	}
	if len(msgs) == 0 {
		return ""
	}
	return DeriveKey(model, msgs[:len(msgs)-1])
}

// Plan is the reconciler's decision for one turn. Reuse means a cached
// handle covers everything but the newest message.
type Plan struct {
	Key    string
	Handle geminiweb.Handle
	Reuse  bool
}

// Reconciler caches upstream handles per conversation key and serializes
// turns that share a key. A failed turn never overwrites the cached handle.
type Reconciler struct {
	mu      sync.Mutex
	handles map[string]geminiweb.Handle
	locks   map[string]*sync.Mutex
	store   *Store
}

// NewReconciler builds a reconciler, preloading handles from store when one
// is given.
func NewReconciler(store *Store) *Reconciler {
	r := &Reconciler{
		handles: make(map[string]geminiweb.Handle),
		locks:   make(map[string]*sync.Mutex),
		store:   store,
	}
	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			log.Warnf("failed to load conversation handles: %v", err)
		} else {
			r.handles = loaded
		}
	}
	return r
}

// Lock serializes turns on one conversation key and returns the unlock
// function. Turns on different keys proceed concurrently.
func (r *Reconciler) Lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Plan decides what to send upstream. A cached handle reduces the turn to
// the newest message; otherwise the full history goes out and the turn
// starts a fresh upstream conversation. A history with no assistant turn
// yet never reuses a handle, whatever the cache holds.
func (r *Reconciler) Plan(key string, msgs []Message) Plan {
	if len(msgs) == 0 {
		return Plan{Key: key}
	}
	r.mu.Lock()
	handle, ok := r.handles[key]
	r.mu.Unlock()
	if ok && !handle.Zero() && hasAssistantTurn(msgs[:len(msgs)-1]) {
		return Plan{Key: key, Handle: handle, Reuse: true}
	}
	return Plan{Key: key}
}

// Commit records the handle a successful turn produced under the key of the
// history that now includes the reply, so the next continuation hits it.
func (r *Reconciler) Commit(model string, msgs []Message, reply string, explicitKey string, handle geminiweb.Handle) {
	if handle.Zero() {
		return
	}
	keys := []string{}
	if explicitKey != "" {
		keys = append(keys, explicitKey)
	}
	extended := append(append([]Message{}, msgs...), Message{Role: "assistant", Content: reply})
	keys = append(keys, DeriveKey(model, extended))
	r.mu.Lock()
	for _, key := range keys {
		r.handles[key] = handle
	}
	snapshot := make(map[string]geminiweb.Handle, len(r.handles))
	for k, v := range r.handles {
		snapshot[k] = v
	}
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Save(snapshot); err != nil {
			log.Warnf("failed to persist conversation handles: %v", err)
		}
	}
}

// Forget drops the handle for one key, forcing the next turn on that
// conversation to start fresh upstream.
func (r *Reconciler) Forget(key string) {
	r.mu.Lock()
	delete(r.handles, key)
	r.mu.Unlock()
}

func hasAssistantTurn(msgs []Message) bool {
	for _, m := range msgs {
		switch NormalizeRole(m.Role) {
		case "assistant", "tool", "function":
			return true
		}
	}
	return false
}
