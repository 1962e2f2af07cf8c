package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"projsync/filelist"
	"projsync/logging"
	"projsync/metrics"
	"projsync/network"
	"projsync/session"
	"projsync/storage"
)

// IncomingOptions configures the receiving side of a negotiation.
type IncomingOptions struct {
	// ID is the negotiation id chosen by the offering side.
	ID   string
	Peer string
	// Entries are the offered roots, fixed for the lifetime of the negotiation.
	Entries []Entry

	Session     Session
	Manager     SessionManager
	Transmitter Transmitter
	Receiver    Receiver
	// Transfer delivers file content. A nil coordinator makes Run cancel
	// locally without notifying the peer.
	Transfer    TransferCoordinator
	Replacement *session.ReplacementTracker
	Cache       filelist.ChecksumCache
	History     History
	Logger      *zap.Logger

	QueuingTimeout       time.Duration
	TransferPollInterval time.Duration
	TransferWaitTimeout  time.Duration
}

func (o IncomingOptions) withDefaults() IncomingOptions {
	out := o
	if out.QueuingTimeout <= 0 {
		out.QueuingTimeout = DefaultQueuingTimeout
	}
	if out.TransferPollInterval <= 0 {
		out.TransferPollInterval = DefaultTransferPollInterval
	}
	if out.TransferWaitTimeout <= 0 {
		out.TransferWaitTimeout = DefaultTransferWaitTimeout
	}
	if out.Replacement == nil {
		out.Replacement = &session.ReplacementTracker{}
	}
	return out
}

// Incoming brings local roots in line with a peer's offer and registers
// them with the session.
type Incoming struct {
	*core

	options IncomingOptions
	entries map[string]Entry

	queuing *network.Collector

	diff func(local, remote *filelist.FileList, partial bool) filelist.Diff
}

type rootPlan struct {
	binding Binding
	entry   Entry
	diff    filelist.Diff
	missing *filelist.FileList
}

// NewIncoming validates options and returns a negotiation ready to Run.
func NewIncoming(options IncomingOptions) (*Incoming, error) {
	opts := options.withDefaults()
	switch {
	case opts.ID == "":
		return nil, errors.New("negotiation: missing negotiation id")
	case opts.Session == nil:
		return nil, errors.New("negotiation: missing session")
	case opts.Transmitter == nil:
		return nil, errors.New("negotiation: missing transmitter")
	case opts.Receiver == nil:
		return nil, errors.New("negotiation: missing receiver")
	}

	entries := make(map[string]Entry, len(opts.Entries))
	for _, e := range opts.Entries {
		if err := validateRootID(e.RootID); err != nil {
			return nil, err
		}
		if _, dup := entries[e.RootID]; dup {
			return nil, fmt.Errorf("negotiation: duplicate root id %q", e.RootID)
		}
		if e.FileList == nil {
			e = NewEntry(e.RootID, nil, e.Partial)
		}
		entries[e.RootID] = e
	}

	n := &Incoming{
		core:    newCore(opts.ID, storage.DirectionIncoming, opts.Peer, opts.Session, opts.Manager, opts.Transmitter, opts.History, opts.Logger),
		options: opts,
		entries: entries,
		diff:    filelist.ComputeDiff,
	}
	return n, nil
}

// Entries returns the offered roots sorted by root id.
func (n *Incoming) Entries() []Entry {
	out := make([]Entry, 0, len(n.entries))
	for _, e := range n.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RootID < out[j].RootID })
	return out
}

// Run executes the negotiation for mapping. It returns an error only for a
// mapping that cannot be applied or a second call; every other failure is
// reported through the Outcome. A cancellation recorded before Run makes it
// return that outcome without touching anything.
func (n *Incoming) Run(ctx context.Context, mapping Mapping, progress Progress) (Outcome, error) {
	if err := n.checkMapping(mapping); err != nil {
		return Outcome{}, err
	}
	if progress == nil {
		progress = NopProgress{}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	started, err := n.begin(cancelRun)
	if err != nil {
		return Outcome{}, err
	}
	if !started {
		<-n.Done()
		outcome, _ := n.Outcome()
		return outcome, nil
	}

	n.logger.Info("incoming negotiation started", logging.Int("roots", len(mapping)))
	n.recordStart()

	cause := n.execute(runCtx, mapping, progress)
	return n.terminate(cause), nil
}

func (n *Incoming) execute(ctx context.Context, mapping Mapping, progress Progress) (err error) {
	n.options.Replacement.Begin()
	defer n.cleanup(mapping, progress)
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()

	return n.runSteps(ctx, mapping, progress)
}

func (n *Incoming) runSteps(ctx context.Context, mapping Mapping, progress Progress) error {
	n.queuing = n.options.Receiver.CreateCollector(network.MatchNegotiation(
		n.session.ID(), n.id, network.TypeStartQueuingRequest,
	))

	if err := n.checkpoint(ctx); err != nil {
		return err
	}

	n.enter(StateSetup, progress)
	if n.options.Transfer == nil {
		return newError(KindLocalCancellation, "no transfer coordinator available", false, nil)
	}
	if err := n.options.Transfer.Setup(ctx, n.session.ID(), n.id); err != nil {
		if resolved := n.resolve(err); IsCancellation(resolved) {
			return resolved
		}
		return newError(KindLocalCancellation, "transfer setup failed", false, err)
	}

	n.enter(StateDiffing, progress)
	plans, err := n.computeDiffs(ctx, mapping)
	if err != nil {
		return err
	}

	n.enter(StateSyncing, progress)
	if err := n.syncStructure(plans); err != nil {
		return err
	}

	n.enter(StateSending, progress)
	lists := make([]*filelist.FileList, 0, len(plans))
	missingCount := 0
	for i := range plans {
		missing, err := MissingFiles(plans[i].binding.RootID, plans[i].diff)
		if err != nil {
			return newError(KindIOFailure, "build missing file list", true, err)
		}
		plans[i].missing = missing
		lists = append(lists, missing)
		missingCount += len(missing.Files())
	}
	if err := n.sendMissingFiles(lists); err != nil {
		return n.failure(KindIOFailure, "send missing files", err)
	}
	metrics.RecordMissingFiles(missingCount)
	n.logger.Info("sent missing file manifest", logging.Int("files", missingCount))

	if err := n.checkpoint(ctx); err != nil {
		return err
	}

	n.enter(StateAwaitingPeerAck, progress)
	if _, err := n.await(ctx, n.queuing, n.options.QueuingTimeout, "start queuing request"); err != nil {
		return err
	}

	n.enter(StateQueueEnabled, progress)
	n.enableQueuing(mapping)
	if err := n.sendStartQueuingResponse(); err != nil {
		return n.failure(KindIOFailure, "send start queuing response", err)
	}

	if err := n.checkpoint(ctx); err != nil {
		return err
	}

	n.enter(StateTransferring, progress)
	if err := n.options.Transfer.Transfer(ctx, n.transferRequest(mapping, plans)); err != nil {
		return n.failure(KindIOFailure, "transfer content", err)
	}

	if err := n.checkpoint(ctx); err != nil {
		return err
	}

	n.enter(StateRegistering, progress)
	for _, plan := range plans {
		var resources []string
		if plan.entry.Partial {
			resources = append([]string{}, plan.entry.FileList.Paths()...)
		}
		n.session.AddSharedResources(plan.binding.Root, plan.binding.RootID, resources)
	}
	return nil
}

// computeDiffs snapshots every bound root and diffs it against the offer.
// Partial roots are checked before any filesystem mutation happens.
func (n *Incoming) computeDiffs(ctx context.Context, mapping Mapping) ([]rootPlan, error) {
	plans := make([]rootPlan, 0, len(mapping))
	for _, b := range mapping {
		if err := n.checkpoint(ctx); err != nil {
			return nil, err
		}

		entry := n.entries[b.RootID]
		options := filelist.BuildOptions{RootKey: b.Root.Key(), Cache: n.options.Cache, Logger: n.logger}
		if entry.Partial {
			options.Paths = entry.FileList.Paths()
		}
		local, err := filelist.Build(ctx, b.Root.FS(), options)
		if err != nil {
			return nil, n.failure(KindIOFailure, fmt.Sprintf("snapshot root %q", b.RootID), err)
		}

		diff := n.diff(local, entry.FileList, entry.Partial)
		n.logger.Debug("computed diff",
			logging.RootID(b.RootID),
			logging.Int("added_files", len(diff.AddedFiles)),
			logging.Int("altered_files", len(diff.AlteredFiles)),
			logging.Int("removed_files", len(diff.RemovedFiles)),
			logging.Int("added_folders", len(diff.AddedFolders)),
			logging.Int("removed_folders", len(diff.RemovedFolders)),
		)
		plans = append(plans, rootPlan{binding: b, entry: entry, diff: diff})
	}

	for _, plan := range plans {
		if err := plan.diff.CheckPartial(); err != nil {
			return nil, newError(KindInvariantViolation, fmt.Sprintf("root %q", plan.binding.RootID), true, err)
		}
	}
	return plans, nil
}

func (n *Incoming) syncStructure(plans []rootPlan) error {
	for _, plan := range plans {
		report, err := SyncStructure(plan.binding.Root, plan.diff)
		n.recordRoot(storage.RootSummary{
			RootID:       plan.binding.RootID,
			RootKey:      plan.binding.Root.Key(),
			Partial:      plan.entry.Partial,
			Deleted:      report.Deleted(),
			Created:      report.Created(),
			MissingFiles: len(plan.diff.MissingPaths()),
		})
		if err != nil {
			return newError(KindIOFailure, fmt.Sprintf("synchronize root %q", plan.binding.RootID), true, err)
		}
	}
	return nil
}

func (n *Incoming) transferRequest(mapping Mapping, plans []rootPlan) TransferRequest {
	request := TransferRequest{
		SessionID:     n.session.ID(),
		NegotiationID: n.id,
		Peer:          n.peer,
		Mapping:       mapping,
		Missing:       make(map[string]*filelist.FileList, len(plans)),
		Remote:        make(map[string]*filelist.FileList, len(plans)),
		await:         n.awaitTransfer,
	}
	for _, plan := range plans {
		request.Missing[plan.binding.RootID] = plan.missing
		request.Remote[plan.binding.RootID] = plan.entry.FileList
	}
	return request
}

// awaitTransfer polls ready every TransferPollInterval. It gives up with a
// local cancellation once TransferWaitTimeout has passed.
func (n *Incoming) awaitTransfer(ctx context.Context, ready func() bool) error {
	deadline := time.Now().Add(n.options.TransferWaitTimeout)
	ticker := time.NewTicker(n.options.TransferPollInterval)
	defer ticker.Stop()

	for {
		if err := n.checkpoint(ctx); err != nil {
			return err
		}
		if ready() {
			return nil
		}
		if !time.Now().Before(deadline) {
			n.LocalCancel(fmt.Sprintf("no transfer started within %s", n.options.TransferWaitTimeout), NotifyPeer)
			return n.Cancelled()
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
}

func (n *Incoming) cleanup(mapping Mapping, progress Progress) {
	n.safely("end file replacement", n.options.Replacement.End)
	for _, root := range mapping.Roots() {
		root := root
		n.safely("disable queuing", func() { n.session.DisableQueuing(root) })
	}
	if n.queuing != nil {
		n.safely("delete collectors", n.queuing.Cancel)
	}
	if n.options.Transfer != nil {
		n.safely("release transfer listeners", n.options.Transfer.Teardown)
	}
	n.safely("finish progress", progress.Done)
}

// checkMapping rejects mappings before any state changes.
func (n *Incoming) checkMapping(mapping Mapping) error {
	ids := make(map[string]struct{}, len(mapping))
	keys := make(map[string]struct{}, len(mapping))
	for _, b := range mapping {
		if _, ok := n.entries[b.RootID]; !ok {
			return fmt.Errorf("%w: unknown root id %q", ErrInvalidMapping, b.RootID)
		}
		if b.Root == nil || !b.Root.Exists() {
			return fmt.Errorf("%w: local root for %q does not exist", ErrInvalidMapping, b.RootID)
		}
		if _, dup := ids[b.RootID]; dup {
			return fmt.Errorf("%w: root id %q mapped twice", ErrInvalidMapping, b.RootID)
		}
		if _, dup := keys[b.Root.Key()]; dup {
			return fmt.Errorf("%w: local root %q mapped twice", ErrInvalidMapping, b.Root.Key())
		}
		ids[b.RootID] = struct{}{}
		keys[b.Root.Key()] = struct{}{}
	}
	return nil
}
