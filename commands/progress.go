package commands

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"projsync/logging"
	"projsync/negotiation"
)

// logProgress reports negotiation steps on the log and, optionally, a terminal.
type logProgress struct {
	logger *zap.Logger
	out    io.Writer

	mu   sync.Mutex
	done bool
}

func newLogProgress(logger *zap.Logger, negotiationID string, out io.Writer) *logProgress {
	return &logProgress{
		logger: logging.OrDefault(logger).With(logging.NegotiationID(negotiationID)),
		out:    out,
	}
}

func (p *logProgress) SetTask(task string) {
	p.logger.Info("negotiation step", logging.String("task", task))
	if p.out != nil {
		fmt.Fprintf(p.out, "  %s\n", task)
	}
}

func (p *logProgress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.logger.Debug("negotiation progress finished")
}

func printOutcome(w io.Writer, outcome negotiation.Outcome) {
	switch outcome.Status {
	case negotiation.StatusOK:
		fmt.Fprintln(w, "Negotiation finished.")
	default:
		origin := outcome.Origin.String()
		if origin == "" {
			origin = "unknown"
		}
		fmt.Fprintf(w, "Negotiation %s (%s side): %s\n", outcome.Status, origin, outcome.Reason)
	}
}
