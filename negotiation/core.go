package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"projsync/logging"
	"projsync/metrics"
	"projsync/network"
	"projsync/session"
	"projsync/storage"
)

const (
	DefaultQueuingTimeout       = 30 * time.Second
	DefaultTransferPollInterval = 200 * time.Millisecond
	DefaultTransferWaitTimeout  = 10 * time.Minute
)

// core is the state and bookkeeping shared by both negotiation directions.
type core struct {
	*process

	id        string
	direction string
	peer      string
	session   Session
	manager   SessionManager
	tx        Transmitter
	history   History
	logger    *zap.Logger

	createdAt time.Time

	stepMu    sync.Mutex
	stepState State
	stepStart time.Time

	historyMu      sync.Mutex
	historyStarted bool
}

func newCore(id, direction, peer string, s Session, manager SessionManager, tx Transmitter, history History, logger *zap.Logger) *core {
	c := &core{
		process:   newProcess(),
		id:        id,
		direction: direction,
		peer:      peer,
		session:   s,
		manager:   manager,
		tx:        tx,
		history:   history,
		logger: logging.OrDefault(logger).Named("negotiation").With(
			logging.NegotiationID(id),
			logging.SessionID(s.ID()),
			logging.Peer(peer),
			logging.String("direction", direction),
		),
		createdAt: time.Now(),
	}
	c.terminateIdle = func(e *Error) {
		c.terminate(e)
	}
	metrics.NegotiationStarted()
	return c
}

// ID returns the negotiation id shared by both peers.
func (c *core) ID() string {
	return c.id
}

// Peer returns the remote device id.
func (c *core) Peer() string {
	return c.peer
}

func (c *core) enter(state State, progress Progress) {
	now := time.Now()

	c.stepMu.Lock()
	previous, started := c.stepState, c.stepStart
	c.stepState, c.stepStart = state, now
	c.stepMu.Unlock()

	if previous != StateCreated && !started.IsZero() {
		metrics.RecordStep(previous.String(), now.Sub(started))
	}
	c.setState(state)
	if progress != nil {
		progress.SetTask(state.String())
	}
	c.logger.Debug("entering step", logging.String("state", state.String()))
}

// failure wraps err as a kind failure unless it already is a typed error or
// stems from the run being cancelled.
func (c *core) failure(kind Kind, reason string, err error) error {
	resolved := c.resolve(err)
	var typed *Error
	if errors.As(resolved, &typed) {
		return resolved
	}
	return newError(kind, reason, true, err)
}

// terminate records the outcome for cause exactly once and runs the side
// effects of a failed negotiation.
func (c *core) terminate(cause error) Outcome {
	outcome, typed, first := c.finish(cause)
	if !first {
		return outcome
	}

	if shouldNotify(outcome.Cause, typed) {
		c.notifyPeer(outcome.Reason)
	}
	if outcome.Status != StatusOK {
		c.executeCancellation()
	}

	c.recordOutcome(outcome)
	metrics.RecordNegotiation(c.direction, outcome.Status.String(), time.Since(c.createdAt))

	fields := []zap.Field{
		logging.String("status", outcome.Status.String()),
		logging.Duration("elapsed", time.Since(c.createdAt)),
	}
	switch outcome.Status {
	case StatusOK:
		c.logger.Info("negotiation finished", fields...)
	case StatusCancelled:
		fields = append(fields, logging.String("origin", outcome.Origin.String()), logging.String("reason", outcome.Reason))
		c.logger.Info("negotiation cancelled", fields...)
	default:
		fields = append(fields, logging.Err(outcome.Cause))
		c.logger.Error("negotiation failed", fields...)
	}
	return outcome
}

func (c *core) notifyPeer(reason string) {
	err := c.tx.SendMessage(network.NegotiationCancel{
		Type:          network.TypeNegotiationCancel,
		SessionID:     c.session.ID(),
		NegotiationID: c.id,
		Reason:        reason,
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		c.logger.Warn("failed to notify peer about cancellation", logging.Err(err))
	}
}

// executeCancellation leaves the session unless the local side is a host
// that still has other participants.
func (c *core) executeCancellation() {
	if c.session.IsHost() && len(c.session.RemoteUsers()) > 0 {
		return
	}
	if c.manager == nil {
		return
	}
	c.manager.StopSession(session.StopLocalUserLeft)
}

func (c *core) recordStart() {
	if c.history == nil {
		return
	}
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	if c.historyStarted {
		return
	}
	c.historyStarted = true
	if err := c.history.RecordNegotiationStart(storage.NegotiationRecord{
		NegotiationID: c.id,
		SessionID:     c.session.ID(),
		PeerID:        c.peer,
		Direction:     c.direction,
		StartedAt:     c.createdAt.UnixMilli(),
	}); err != nil {
		c.logger.Warn("failed to record negotiation start", logging.Err(err))
	}
}

func (c *core) recordRoot(summary storage.RootSummary) {
	if c.history == nil {
		return
	}
	if err := c.history.RecordRootSummary(c.id, summary); err != nil {
		c.logger.Warn("failed to record root summary", logging.RootID(summary.RootID), logging.Err(err))
	}
}

func (c *core) recordOutcome(outcome Outcome) {
	if c.history == nil {
		return
	}
	c.recordStart()
	if err := c.history.RecordNegotiationOutcome(c.id, outcome.Status.String(), outcome.Origin.String(), outcome.Reason); err != nil {
		c.logger.Warn("failed to record negotiation outcome", logging.Err(err))
	}
}

// safely runs one cleanup step. A panic is logged and does not stop the
// remaining steps.
func (c *core) safely(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("cleanup step failed", logging.String("step", step), logging.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

func recovered(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("negotiation: internal error: %w", err)
	}
	return fmt.Errorf("negotiation: internal error: %v", r)
}
