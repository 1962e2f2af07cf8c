package negotiation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"projsync/filelist"
	"projsync/logging"
	"projsync/network"
	"projsync/storage"
)

// DefaultOfferTimeout bounds the wait for the peer's missing file manifest.
const DefaultOfferTimeout = 5 * time.Minute

// SendRequest describes the content a ContentSender must deliver to the peer.
type SendRequest struct {
	SessionID     string
	NegotiationID string
	Peer          string
	Mapping       Mapping
	// Missing holds the files the peer asked for, per root id.
	Missing map[string]*filelist.FileList
}

// ContentSender streams requested file content to the peer.
type ContentSender interface {
	Send(ctx context.Context, request SendRequest) error
}

// OutgoingOptions configures the offering side of a negotiation.
type OutgoingOptions struct {
	// ID is generated when empty.
	ID   string
	Peer string
	// Mapping lists the local roots to offer under their root ids.
	Mapping Mapping
	// Partial restricts the offer of a root id to the listed paths.
	Partial map[string][]string
	// TransferMode is announced in the offer; empty means stream.
	TransferMode string

	Session     Session
	Manager     SessionManager
	Transmitter Transmitter
	Receiver    Receiver
	Sender      ContentSender
	Cache       filelist.ChecksumCache
	History     History
	Logger      *zap.Logger

	OfferTimeout   time.Duration
	QueuingTimeout time.Duration
}

func (o OutgoingOptions) withDefaults() OutgoingOptions {
	out := o
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.OfferTimeout <= 0 {
		out.OfferTimeout = DefaultOfferTimeout
	}
	if out.QueuingTimeout <= 0 {
		out.QueuingTimeout = DefaultQueuingTimeout
	}
	if out.TransferMode == "" {
		out.TransferMode = network.TransferModeStream
	}
	return out
}

// Outgoing offers local roots to a peer and delivers what it is missing.
type Outgoing struct {
	*core

	options OutgoingOptions

	manifest *network.Collector
	queuing  *network.Collector
}

// NewOutgoing validates options and returns a negotiation ready to Run.
func NewOutgoing(options OutgoingOptions) (*Outgoing, error) {
	opts := options.withDefaults()
	switch {
	case opts.Session == nil:
		return nil, errors.New("negotiation: missing session")
	case opts.Transmitter == nil:
		return nil, errors.New("negotiation: missing transmitter")
	case opts.Receiver == nil:
		return nil, errors.New("negotiation: missing receiver")
	case opts.Sender == nil:
		return nil, errors.New("negotiation: missing content sender")
	case len(opts.Mapping) == 0:
		return nil, fmt.Errorf("%w: nothing to offer", ErrInvalidMapping)
	}

	seen := make(map[string]struct{}, len(opts.Mapping))
	for _, b := range opts.Mapping {
		if err := validateRootID(b.RootID); err != nil {
			return nil, err
		}
		if _, dup := seen[b.RootID]; dup {
			return nil, fmt.Errorf("%w: root id %q listed twice", ErrInvalidMapping, b.RootID)
		}
		if b.Root == nil || !b.Root.Exists() {
			return nil, fmt.Errorf("%w: local root for %q does not exist", ErrInvalidMapping, b.RootID)
		}
		seen[b.RootID] = struct{}{}
	}

	return &Outgoing{
		core:    newCore(opts.ID, storage.DirectionOutgoing, opts.Peer, opts.Session, opts.Manager, opts.Transmitter, opts.History, opts.Logger),
		options: opts,
	}, nil
}

// Run offers the roots and delivers the requested content.
func (n *Outgoing) Run(ctx context.Context, progress Progress) (Outcome, error) {
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

	n.logger.Info("outgoing negotiation started", logging.Int("roots", len(n.options.Mapping)))
	n.recordStart()

	cause := func() (err error) {
		defer n.cleanup(progress)
		defer func() {
			if r := recover(); r != nil {
				err = recovered(r)
			}
		}()
		return n.runSteps(runCtx, progress)
	}()
	return n.terminate(cause), nil
}

func (n *Outgoing) runSteps(ctx context.Context, progress Progress) error {
	n.manifest = n.options.Receiver.CreateCollector(network.MatchNegotiation(
		n.session.ID(), n.id, network.TypeMissingFiles,
	))
	n.queuing = n.options.Receiver.CreateCollector(network.MatchNegotiation(
		n.session.ID(), n.id, network.TypeStartQueuingResponse,
	))

	if err := n.checkpoint(ctx); err != nil {
		return err
	}

	n.enter(StateDiffing, progress)
	offer, err := n.buildOffer(ctx)
	if err != nil {
		return err
	}

	n.enter(StateSending, progress)
	if err := n.tx.SendMessage(offer); err != nil {
		return n.failure(KindIOFailure, "send project offer", err)
	}

	n.enter(StateAwaitingPeerAck, progress)
	packet, err := n.await(ctx, n.manifest, n.options.OfferTimeout, "missing file manifest")
	if err != nil {
		return err
	}
	missing, err := n.decodeManifest(packet)
	if err != nil {
		return err
	}

	if err := n.sendStartQueuingRequest(); err != nil {
		return n.failure(KindIOFailure, "send start queuing request", err)
	}
	if _, err := n.await(ctx, n.queuing, n.options.QueuingTimeout, "start queuing response"); err != nil {
		return err
	}

	if err := n.checkpoint(ctx); err != nil {
		return err
	}

	n.enter(StateTransferring, progress)
	if err := n.options.Sender.Send(ctx, SendRequest{
		SessionID:     n.session.ID(),
		NegotiationID: n.id,
		Peer:          n.peer,
		Mapping:       n.options.Mapping,
		Missing:       missing,
	}); err != nil {
		return n.failure(KindIOFailure, "send content", err)
	}

	return n.checkpoint(ctx)
}

func (n *Outgoing) buildOffer(ctx context.Context) (network.ProjectOffer, error) {
	offer := network.ProjectOffer{
		Type:          network.TypeProjectOffer,
		SessionID:     n.session.ID(),
		NegotiationID: n.id,
		FromDeviceID:  n.session.LocalUser(),
		Host:          n.session.Host(),
		Entries:       make([]network.OfferEntry, 0, len(n.options.Mapping)),
		TransferMode:  n.options.TransferMode,
		Timestamp:     time.Now().UnixMilli(),
	}

	for _, b := range n.options.Mapping {
		if err := n.checkpoint(ctx); err != nil {
			return network.ProjectOffer{}, err
		}
		paths, partial := n.options.Partial[b.RootID]
		list, err := filelist.Build(ctx, b.Root.FS(), filelist.BuildOptions{
			RootKey: b.Root.Key(),
			Cache:   n.options.Cache,
			Paths:   paths,
			Logger:  n.logger,
		})
		if err != nil {
			return network.ProjectOffer{}, n.failure(KindIOFailure, fmt.Sprintf("snapshot root %q", b.RootID), err)
		}
		n.logger.Debug("snapshot root",
			logging.RootID(b.RootID),
			logging.Int("entries", list.Len()),
			logging.Int64("bytes", list.TotalSize()))
		offer.Entries = append(offer.Entries, network.OfferEntry{
			RootID:   b.RootID,
			Name:     filepath.Base(b.Root.Key()),
			FileList: list.WithRootID(b.RootID),
			Partial:  partial,
		})
	}
	return offer, nil
}

func (n *Outgoing) decodeManifest(packet network.Packet) (map[string]*filelist.FileList, error) {
	msg, err := decodeMissingFiles(packet)
	if err != nil {
		return nil, newError(KindIOFailure, "invalid missing file manifest", true, err)
	}

	known := make(map[string]struct{}, len(n.options.Mapping))
	for _, b := range n.options.Mapping {
		known[b.RootID] = struct{}{}
	}

	missing := make(map[string]*filelist.FileList, len(msg.FileLists))
	for _, list := range msg.FileLists {
		if list == nil {
			continue
		}
		if _, ok := known[list.RootID()]; !ok {
			return nil, newError(KindIOFailure, fmt.Sprintf("manifest names unknown root %q", list.RootID()), true, nil)
		}
		missing[list.RootID()] = list
	}
	return missing, nil
}

func (n *Outgoing) cleanup(progress Progress) {
	if n.manifest != nil {
		n.safely("delete collectors", n.manifest.Cancel)
	}
	if n.queuing != nil {
		n.safely("delete collectors", n.queuing.Cancel)
	}
	n.safely("finish progress", progress.Done)
}
