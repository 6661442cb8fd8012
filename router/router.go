// Package router implements a cached message router: it demultiplexes
// payloads delivered by a dispatcher to per-target receivers, lazily
// materializing a target's replica on first unsolicited delivery via an
// externally supplied factory.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nest-crdt/distributor/canon"
	"github.com/nest-crdt/distributor/dispatch"
	"github.com/nest-crdt/distributor/internal/log"
	"github.com/nest-crdt/distributor/membership"
)

// ErrDuplicateReceiver is a programmer error: a second AddReceiverFor call
// for a target that already has one.
var ErrDuplicateReceiver = errors.New("router: receiver already registered for target")

// ErrReceiverMissing is a programmer error reported when delivery reaches a
// target with no receiver even after materialization was attempted.
var ErrReceiverMissing = errors.New("router: no receiver for target after materialization; CRDT was likely created against a different router instance")

// TargetReceiver is invoked with the message addressed to a target.
type TargetReceiver func(message json.RawMessage)

// Cache maps a string key derived from a target to a replica object. A
// materialization factory is expected to call back into
// Router.AddReceiverFor using the same cache.
type Cache interface {
	Get(key string) (interface{}, bool)
	Add(key string, value interface{})
}

// Factory lazily materializes a replica for a target that has no receiver
// yet. It is expected to call router.AddReceiverFor(target, ...) during its
// own construction, storing itself (or its handle) into cache under the
// target's canonical key.
type Factory func(router *Router, self membership.NodeId, target interface{}, cache Cache) error

type annotatedPayload struct {
	Target  json.RawMessage `json:"target"`
	Message json.RawMessage `json:"message"`
}

// Router wraps a dispatcher, demultiplexing its deliveries by target.
type Router struct {
	self      membership.NodeId
	broadcast dispatch.Broadcaster
	factory   Factory
	cache     Cache
	log       log.Logger

	mu        sync.Mutex
	receivers map[string]TargetReceiver
}

// New wires a Router on top of broadcast. factory and cache may be nil if
// the caller never needs lazy materialization (e.g. every target is
// pre-registered).
func New(self membership.NodeId, broadcast dispatch.Broadcaster, factory Factory, cache Cache, l log.Logger) *Router {
	if l == nil {
		l = log.DefaultLogger()
	}
	r := &Router{
		self:      self,
		broadcast: broadcast,
		factory:   factory,
		cache:     cache,
		log:       l.Named("router"),
		receivers: make(map[string]TargetReceiver),
	}
	broadcast.AddReceiver(r.onDeliver)
	return r
}

// AddReceiverFor registers the unique local receiver for target. A second
// call for the same target is a programmer error.
func (r *Router) AddReceiverFor(target interface{}, fn TargetReceiver) error {
	key, err := canon.Key(target)
	if err != nil {
		return fmt.Errorf("router: target not serializable: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.receivers[key]; exists {
		return ErrDuplicateReceiver
	}
	r.receivers[key] = fn
	return nil
}

// SendMessageTo broadcasts {target, message} via the underlying dispatcher.
func (r *Router) SendMessageTo(target, message interface{}) error {
	targetRaw, err := json.Marshal(target)
	if err != nil {
		return err
	}
	msgRaw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.broadcast.Broadcast(annotatedPayload{Target: targetRaw, Message: msgRaw})
}

func (r *Router) onDeliver(raw json.RawMessage) {
	var ap annotatedPayload
	if err := json.Unmarshal(raw, &ap); err != nil {
		r.log.Warnw("dropping undecodable delivery", "err", err)
		return
	}

	var target interface{}
	if err := json.Unmarshal(ap.Target, &target); err != nil {
		r.log.Warnw("dropping delivery with undecodable target", "err", err)
		return
	}
	key, err := canon.Key(target)
	if err != nil {
		r.log.Warnw("dropping delivery with unkeyable target", "err", err)
		return
	}

	fn, ok := r.lookup(key)
	if !ok {
		if r.factory != nil {
			if err := r.factory(r, r.self, target, r.cache); err != nil {
				r.log.Warnw("target factory failed", "err", err)
			}
		}
		fn, ok = r.lookup(key)
	}
	if !ok {
		panic(fmt.Errorf("%w: target=%s", ErrReceiverMissing, key))
	}

	fn(ap.Message)
}

func (r *Router) lookup(key string) (TargetReceiver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.receivers[key]
	return fn, ok
}
