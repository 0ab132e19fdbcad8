// Package routing scopes the "active instance" selection to one logical
// caller and auto-selects when exactly one instance exists.
package routing

import (
	"log"
	"sync"
)

// SharedKey is the selection slot used by callers without a stable
// identity. Distinct anonymous local callers deliberately share it; the
// bridge assumes a single-user deployment.
const SharedKey = "global"

// SelectionStore persists selections across daemon restarts. Implemented
// by the sqlite state store; nil disables persistence.
type SelectionStore interface {
	ActiveInstance(sessionKey string) (string, error)
	SetActiveInstance(sessionKey, instanceID string) error
	ClearActiveInstance(sessionKey string) error
}

// Lister enumerates the currently reachable instance ids; used by
// auto-select. Implemented by the connection pool and the session hub.
type Lister func() []string

// Router maps session keys to active instance selections.
type Router struct {
	store SelectionStore

	mu     sync.Mutex
	list   Lister
	active map[string]string
}

// NewRouter builds a router. store may be nil; list may be nil when
// auto-select is unwanted.
func NewRouter(store SelectionStore, list Lister) *Router {
	return &Router{store: store, list: list, active: make(map[string]string)}
}

// BindLister installs the instance enumerator after construction. The
// transport dispatcher calls this once it exists; router and dispatcher
// reference each other, so one of them has to be wired late.
func (r *Router) BindLister(list Lister) {
	r.mu.Lock()
	r.list = list
	r.mu.Unlock()
}

// SessionKey derives the selection slot for a caller-supplied client id.
func SessionKey(clientID string) string {
	if clientID == "" {
		return SharedKey
	}
	return clientID
}

// SetActive remembers instanceID as the caller's selection.
func (r *Router) SetActive(sessionKey, instanceID string) {
	r.mu.Lock()
	r.active[sessionKey] = instanceID
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.SetActiveInstance(sessionKey, instanceID); err != nil {
			log.Printf("[Routing] persist selection for %s: %v", sessionKey, err)
		}
	}
}

// Active returns the caller's current selection, falling back to the
// persisted one, then to auto-select. The empty string means no selection
// could be made and the caller must choose explicitly.
func (r *Router) Active(sessionKey string) string {
	r.mu.Lock()
	id, ok := r.active[sessionKey]
	r.mu.Unlock()
	if ok && id != "" {
		return id
	}

	if r.store != nil {
		if id, err := r.store.ActiveInstance(sessionKey); err == nil && id != "" {
			r.mu.Lock()
			r.active[sessionKey] = id
			r.mu.Unlock()
			return id
		}
	}
	return r.autoSelect(sessionKey)
}

// Clear forgets the caller's selection.
func (r *Router) Clear(sessionKey string) {
	r.mu.Lock()
	delete(r.active, sessionKey)
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.ClearActiveInstance(sessionKey); err != nil {
			log.Printf("[Routing] clear selection for %s: %v", sessionKey, err)
		}
	}
}

// autoSelect picks the lone reachable instance, if there is exactly one.
// With several instances the selection stays unset so the caller-visible
// error demands an explicit choice.
func (r *Router) autoSelect(sessionKey string) string {
	r.mu.Lock()
	list := r.list
	r.mu.Unlock()
	if list == nil {
		return ""
	}
	ids := list()
	if len(ids) != 1 {
		return ""
	}
	log.Printf("[Routing] auto-selected %s for %s", ids[0], sessionKey)
	r.SetActive(sessionKey, ids[0])
	return ids[0]
}
