package negotiation

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"projsync/logging"
	"projsync/network"
)

// Cancelable is a negotiation that can be cancelled by id.
type Cancelable interface {
	ID() string
	LocalCancel(reason string, option CancelOption) bool
	RemoteCancel(reason string) bool
}

// HandlerRegistrar accepts handlers for inbound message types. *network.Dispatcher implements it.
type HandlerRegistrar interface {
	Handle(msgType string, fn network.Handler)
}

// maxPendingCancels bounds cancel notices kept for negotiations not yet added.
const maxPendingCancels = 64

type offerHandler func(network.ProjectOffer, []Entry)

// Registry tracks running negotiations and routes cancel notices and
// project offers to them. A cancel notice that arrives before its
// negotiation is added is held and applied by Add.
type Registry struct {
	logger *zap.Logger

	mu           sync.Mutex
	negotiations map[string]Cancelable
	pending      map[string]string
	offers       []offerHandler
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:       logging.OrDefault(logger).Named("registry"),
		negotiations: make(map[string]Cancelable),
		pending:      make(map[string]string),
	}
}

// Add registers n. Ids must be unique. A cancel notice already received
// for n's id is applied before Add returns.
func (r *Registry) Add(n Cancelable) error {
	r.mu.Lock()
	if _, exists := r.negotiations[n.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("negotiation: id %q already registered", n.ID())
	}
	r.negotiations[n.ID()] = n
	reason, early := r.pending[n.ID()]
	delete(r.pending, n.ID())
	r.mu.Unlock()

	if early && n.RemoteCancel(reason) {
		r.logger.Info("negotiation cancelled by peer before start",
			logging.NegotiationID(n.ID()),
			logging.String("reason", reason),
		)
	}
	return nil
}

// Remove forgets the negotiation with id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.negotiations, id)
	delete(r.pending, id)
}

// Get returns the negotiation with id.
func (r *Registry) Get(id string) (Cancelable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.negotiations[id]
	return n, ok
}

// Len returns the number of registered negotiations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.negotiations)
}

// CancelAll cancels every registered negotiation locally.
func (r *Registry) CancelAll(reason string, option CancelOption) {
	r.mu.Lock()
	all := make([]Cancelable, 0, len(r.negotiations))
	for _, n := range r.negotiations {
		all = append(all, n)
	}
	r.mu.Unlock()

	for _, n := range all {
		n.LocalCancel(reason, option)
	}
}

// OnOffer registers fn for inbound project offers.
func (r *Registry) OnOffer(fn func(network.ProjectOffer, []Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, fn)
}

// Bind installs the registry's handlers on d.
func (r *Registry) Bind(d HandlerRegistrar) {
	d.Handle(network.TypeNegotiationCancel, r.HandleCancel)
	d.Handle(network.TypeProjectOffer, r.HandleOffer)
}

// HandleCancel applies a negotiation_cancel notice from the peer.
func (r *Registry) HandleCancel(packet network.Packet) {
	msg, err := decodeCancel(packet)
	if err != nil {
		r.logger.Warn("dropping invalid cancel notice", logging.Err(err))
		return
	}
	r.mu.Lock()
	n, ok := r.negotiations[msg.NegotiationID]
	if !ok && len(r.pending) < maxPendingCancels {
		r.pending[msg.NegotiationID] = msg.Reason
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("holding cancel notice for unknown negotiation", logging.NegotiationID(msg.NegotiationID))
		return
	}
	if n.RemoteCancel(msg.Reason) {
		r.logger.Info("negotiation cancelled by peer",
			logging.NegotiationID(msg.NegotiationID),
			logging.String("reason", msg.Reason),
		)
	}
}

// HandleOffer passes a project offer to the registered offer handlers.
func (r *Registry) HandleOffer(packet network.Packet) {
	offer, entries, err := DecodeOffer(packet)
	if err != nil {
		r.logger.Warn("dropping invalid project offer", logging.Err(err))
		return
	}

	r.mu.Lock()
	handlers := append([]offerHandler(nil), r.offers...)
	r.mu.Unlock()

	if len(handlers) == 0 {
		r.logger.Warn("no handler for project offer", logging.NegotiationID(offer.NegotiationID))
		return
	}
	for _, fn := range handlers {
		fn(offer, entries)
	}
}
