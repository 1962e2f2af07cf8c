package negotiation

import (
	"context"
	"errors"
	"sync"
)

// process holds the run state and the cancellation record of a negotiation.
// One mutex guards both so a cancel racing the start of a run is either seen
// by the run or terminates the negotiation on its own.
type process struct {
	mu           sync.Mutex
	state        State
	cancellation *Error
	cancelRun    context.CancelFunc
	outcome      Outcome
	started      bool
	finished     bool
	done         chan struct{}

	// terminateIdle finishes a negotiation cancelled before Run.
	terminateIdle func(*Error)
}

// LocalCancel records a local cancellation. Only the first cancellation
// counts; later calls return false.
func (p *process) LocalCancel(reason string, option CancelOption) bool {
	return p.cancel(newError(KindLocalCancellation, reason, option == NotifyPeer, nil))
}

// RemoteCancel records a cancellation requested by the peer. The peer is
// never notified back.
func (p *process) RemoteCancel(reason string) bool {
	return p.cancel(newError(KindRemoteCancellation, reason, false, nil))
}

// Cancelled returns the recorded cancellation, or nil.
func (p *process) Cancelled() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancellation == nil {
		return nil
	}
	return p.cancellation
}

// State returns the current step.
func (p *process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Outcome returns the outcome once the negotiation is done.
func (p *process) Outcome() (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, p.finished
}

// Done is closed once the outcome is recorded.
func (p *process) Done() <-chan struct{} {
	return p.done
}

func newProcess() *process {
	return &process{state: StateCreated, done: make(chan struct{})}
}

func (p *process) cancel(e *Error) bool {
	p.mu.Lock()
	if p.cancellation != nil || p.finished {
		p.mu.Unlock()
		return false
	}
	p.cancellation = e
	idle := !p.started
	cancelRun := p.cancelRun
	p.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if idle && p.terminateIdle != nil {
		p.terminateIdle(e)
	}
	return true
}

// begin moves a created negotiation into Setup. It reports false when the
// negotiation was cancelled before it started.
func (p *process) begin(cancelRun context.CancelFunc) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return false, ErrAlreadyStarted
	}
	p.started = true
	if p.cancellation != nil || p.finished {
		return false, nil
	}
	p.state = StateSetup
	p.cancelRun = cancelRun
	return true, nil
}

func (p *process) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateDone {
		p.state = state
	}
}

// checkpoint returns the recorded cancellation. A cancelled ctx without a
// recorded cancellation becomes a local cancellation that notifies the peer.
func (p *process) checkpoint(ctx context.Context) error {
	if err := p.Cancelled(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		p.LocalCancel("cancelled by user", NotifyPeer)
		return p.Cancelled()
	}
	return nil
}

// resolve prefers a recorded cancellation over errors that only report the
// run context being cancelled.
func (p *process) resolve(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if c := p.Cancelled(); c != nil {
			return c
		}
		p.LocalCancel("cancelled by user", NotifyPeer)
		if c := p.Cancelled(); c != nil {
			return c
		}
	}
	return err
}

// finish records the outcome for cause. It returns false when an outcome
// already exists.
func (p *process) finish(cause error) (Outcome, *Error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return p.outcome, nil, false
	}
	if cause == nil && p.cancellation != nil {
		cause = p.cancellation
	}

	outcome, typed := outcomeFor(cause)
	p.state = StateDone
	p.outcome = outcome
	p.finished = true
	p.cancelRun = nil
	close(p.done)
	return outcome, typed, true
}

func outcomeFor(cause error) (Outcome, *Error) {
	if cause == nil {
		return Outcome{Status: StatusOK}, nil
	}

	var e *Error
	if !errors.As(cause, &e) {
		return Outcome{Status: StatusError, Origin: OriginLocal, Reason: cause.Error(), Cause: cause}, nil
	}

	reason := e.Reason
	if reason == "" {
		reason = e.Error()
	}
	switch e.Kind {
	case KindLocalCancellation, KindProtocolTimeout:
		return Outcome{Status: StatusCancelled, Origin: OriginLocal, Reason: reason, Cause: cause}, e
	case KindRemoteCancellation:
		return Outcome{Status: StatusCancelled, Origin: OriginRemote, Reason: reason, Cause: cause}, e
	default:
		return Outcome{Status: StatusError, Origin: OriginLocal, Reason: reason, Cause: cause}, e
	}
}

// shouldNotify reports whether a terminal cause must be relayed to the peer.
func shouldNotify(cause error, typed *Error) bool {
	if cause == nil {
		return false
	}
	if typed == nil {
		return true
	}
	return typed.NotifyPeer
}
