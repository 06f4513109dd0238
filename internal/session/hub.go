// Package session tracks connected editor sessions and fans broadcast
// events out to document subscribers, locally and through the optional
// cross-instance relay.
package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"loom/broker/internal/wire"
)

// Handler serves decoded requests and observes disconnects. Implemented by
// the sync service.
type Handler interface {
	Handle(ctx context.Context, sid string, req wire.Request) wire.Response
	Disconnect(sid string)
}

// Relay forwards events to sessions attached to other broker instances.
type Relay interface {
	Publish(uri string, frame []byte)
}

// Hub is the registry of live sessions and their document subscriptions.
type Hub struct {
	// InstanceID distinguishes this broker's relay frames from its peers'.
	InstanceID string

	handler Handler
	relay   Relay

	mu       sync.Mutex
	sessions map[string]*Session
	subs     map[string]map[string]bool
}

func NewHub(handler Handler) *Hub {
	return &Hub{
		InstanceID: uuid.NewString(),
		handler:    handler,
		sessions:   make(map[string]*Session),
		subs:       make(map[string]map[string]bool),
	}
}

// SetRelay attaches the cross-instance relay. Called once during wiring.
func (h *Hub) SetRelay(relay Relay) {
	h.relay = relay
}

func (h *Hub) register(sess *Session) {
	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()
}

func (h *Hub) unregister(sid string) {
	h.mu.Lock()
	delete(h.sessions, sid)
	for _, sids := range h.subs {
		delete(sids, sid)
	}
	h.mu.Unlock()
	h.handler.Disconnect(sid)
}

// Subscribe adds sid to the subscriber set of uri.
func (h *Hub) Subscribe(uri, sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[uri] == nil {
		h.subs[uri] = make(map[string]bool)
	}
	h.subs[uri][sid] = true
}

// Unsubscribe removes sid from the subscriber set of uri.
func (h *Hub) Unsubscribe(uri, sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[uri], sid)
}

// Broadcast delivers ev to every local subscriber of uri except `except`,
// and hands it to the relay for subscribers on other instances.
func (h *Hub) Broadcast(uri, except string, ev wire.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Printf("encode event for %s: %v", uri, err)
		return
	}
	h.deliver(uri, except, frame)
	if h.relay != nil {
		h.relay.Publish(uri, frame)
	}
}

// DeliverRelayed delivers a frame received from another broker instance to
// this instance's local subscribers.
func (h *Hub) DeliverRelayed(uri string, frame []byte) {
	h.deliver(uri, "", frame)
}

func (h *Hub) deliver(uri, except string, frame []byte) {
	h.mu.Lock()
	var targets []*Session
	for sid := range h.subs[uri] {
		if sid == except {
			continue
		}
		if sess, ok := h.sessions[sid]; ok {
			targets = append(targets, sess)
		}
	}
	h.mu.Unlock()
	for _, sess := range targets {
		sess.enqueue(frame)
	}
}
