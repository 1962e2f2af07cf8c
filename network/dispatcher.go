package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"projsync/logging"
)

var (
	// ErrCollectTimeout is returned when no matching packet arrives in time.
	ErrCollectTimeout = errors.New("network: collect timed out")
	// ErrCollectorCancelled is returned by Collect after Cancel.
	ErrCollectorCancelled = errors.New("network: collector cancelled")
	// ErrDispatcherClosed is returned once the underlying connection is gone.
	ErrDispatcherClosed = errors.New("network: dispatcher closed")
)

// Packet is one decoded inbound frame along with its routing fields.
type Packet struct {
	Envelope
	Payload []byte
}

// Filter selects the packets a collector or handler receives.
type Filter func(Packet) bool

// MatchType accepts packets of one message type.
func MatchType(msgType string) Filter {
	return func(p Packet) bool {
		return p.Type == msgType
	}
}

// MatchNegotiation accepts packets of the given types that belong to one negotiation.
func MatchNegotiation(sessionID, negotiationID string, msgTypes ...string) Filter {
	types := make(map[string]struct{}, len(msgTypes))
	for _, msgType := range msgTypes {
		types[msgType] = struct{}{}
	}
	return func(p Packet) bool {
		if p.SessionID != sessionID || p.NegotiationID != negotiationID {
			return false
		}
		if len(types) == 0 {
			return true
		}
		_, ok := types[p.Type]
		return ok
	}
}

// Collector buffers matching packets until they are collected.
type Collector struct {
	filter Filter

	mu      sync.Mutex
	queue   []Packet
	signal  chan struct{}
	closed  bool
	closeBy error

	onCancel func(*Collector)
}

// NewCollector returns a standalone collector. Packets are fed with Deliver.
func NewCollector(filter Filter) *Collector {
	return &Collector{
		filter: filter,
		signal: make(chan struct{}, 1),
	}
}

// Deliver enqueues p if it matches the collector filter.
func (c *Collector) Deliver(p Packet) bool {
	if c.filter != nil && !c.filter(p) {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of buffered packets.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Collect returns the next buffered packet. A timeout <= 0 waits until ctx ends.
func (c *Collector) Collect(ctx context.Context, timeout time.Duration) (Packet, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			p := c.queue[0]
			c.queue[0] = Packet{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return p, nil
		}
		if c.closed {
			err := c.closeBy
			c.mu.Unlock()
			return Packet{}, err
		}
		c.mu.Unlock()

		select {
		case <-c.signal:
		case <-deadline:
			return Packet{}, ErrCollectTimeout
		case <-ctx.Done():
			return Packet{}, ctx.Err()
		}
	}
}

// Cancel stops the collector. Buffered packets are dropped.
func (c *Collector) Cancel() {
	if c.close(ErrCollectorCancelled) && c.onCancel != nil {
		c.onCancel(c)
	}
}

func (c *Collector) close(reason error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.closeBy = reason
	c.queue = nil
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return true
}

// Handler receives packets of one message type.
type Handler func(Packet)

// Dispatcher reads inbound messages of one connection and fans them out to
// collectors and handlers.
type Dispatcher struct {
	conn   *PeerConnection
	logger *zap.Logger

	mu         sync.Mutex
	collectors map[*Collector]struct{}
	handlers   map[string][]Handler
	closed     bool

	startOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher for conn. Call Start to begin routing.
func NewDispatcher(conn *PeerConnection, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		conn:       conn,
		logger:     logging.OrDefault(logger).Named("dispatcher"),
		collectors: make(map[*Collector]struct{}),
		handlers:   make(map[string][]Handler),
		done:       make(chan struct{}),
	}
}

// Connection returns the underlying peer connection.
func (d *Dispatcher) Connection() *PeerConnection {
	return d.conn
}

// SendMessage writes one protocol message to the peer.
func (d *Dispatcher) SendMessage(message any) error {
	return d.conn.SendMessage(message)
}

// CreateCollector registers a collector for packets matching filter.
func (d *Dispatcher) CreateCollector(filter Filter) *Collector {
	c := NewCollector(filter)
	c.onCancel = d.removeCollector

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		c.close(ErrDispatcherClosed)
		return c
	}
	d.collectors[c] = struct{}{}
	return c
}

// Handle registers fn for every inbound packet of msgType.
func (d *Dispatcher) Handle(msgType string, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = append(d.handlers[msgType], fn)
}

// Start launches the receive loop. It stops when ctx ends or the connection closes.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.loop(ctx)
	})
}

// Done is closed when the receive loop has stopped.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.shutdown()

	for {
		payload, err := d.conn.ReceiveMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				d.logger.Debug("receive loop stopped", logging.Err(err))
			}
			return
		}

		envelope, err := DecodeEnvelope(payload)
		if err != nil {
			d.logger.Warn("dropping undecodable frame", logging.Err(err))
			continue
		}
		d.dispatch(Packet{Envelope: envelope, Payload: payload})
	}
}

func (d *Dispatcher) dispatch(p Packet) {
	d.mu.Lock()
	collectors := make([]*Collector, 0, len(d.collectors))
	for c := range d.collectors {
		collectors = append(collectors, c)
	}
	handlers := append([]Handler(nil), d.handlers[p.Type]...)
	d.mu.Unlock()

	delivered := false
	for _, c := range collectors {
		if c.Deliver(p) {
			delivered = true
		}
	}
	for _, fn := range handlers {
		fn(p)
		delivered = true
	}

	if !delivered {
		d.logger.Debug("no receiver for packet",
			logging.String("type", p.Type),
			logging.NegotiationID(p.NegotiationID),
		)
	}
}

func (d *Dispatcher) removeCollector(c *Collector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.collectors, c)
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	collectors := d.collectors
	d.collectors = make(map[*Collector]struct{})
	d.mu.Unlock()

	for c := range collectors {
		c.close(ErrDispatcherClosed)
	}
	close(d.done)
}
