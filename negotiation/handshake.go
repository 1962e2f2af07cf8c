package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"projsync/filelist"
	"projsync/network"
)

func (c *core) sendMissingFiles(lists []*filelist.FileList) error {
	if lists == nil {
		lists = []*filelist.FileList{}
	}
	return c.tx.SendMessage(network.MissingFiles{
		Type:          network.TypeMissingFiles,
		SessionID:     c.session.ID(),
		NegotiationID: c.id,
		FileLists:     lists,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (c *core) sendStartQueuingRequest() error {
	return c.tx.SendMessage(network.StartQueuingRequest{
		Type:          network.TypeStartQueuingRequest,
		SessionID:     c.session.ID(),
		NegotiationID: c.id,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (c *core) sendStartQueuingResponse() error {
	return c.tx.SendMessage(network.StartQueuingResponse{
		Type:          network.TypeStartQueuingResponse,
		SessionID:     c.session.ID(),
		NegotiationID: c.id,
		Timestamp:     time.Now().UnixMilli(),
	})
}

// await blocks on collector for at most timeout. A timeout is a protocol
// timeout that is not relayed to the peer.
func (c *core) await(ctx context.Context, collector *network.Collector, timeout time.Duration, what string) (network.Packet, error) {
	packet, err := collector.Collect(ctx, timeout)
	switch {
	case err == nil:
		return packet, nil
	case errors.Is(err, network.ErrCollectTimeout):
		return network.Packet{}, newError(KindProtocolTimeout, fmt.Sprintf("no %s within %s", what, timeout), false, err)
	case errors.Is(err, network.ErrDispatcherClosed):
		return network.Packet{}, newError(KindIOFailure, "connection lost while waiting for "+what, true, err)
	default:
		return network.Packet{}, c.failure(KindIOFailure, "waiting for "+what, err)
	}
}

// enableQueuing registers every bound root with the session and starts
// queuing its activities.
func (c *core) enableQueuing(mapping Mapping) {
	for _, b := range mapping {
		c.session.AddReferencePointMapping(b.RootID, b.Root)
		c.session.EnableQueuing(b.Root)
	}
	if c.session.IsHost() {
		c.session.UserStartedQueuing(c.peer)
	}
}

func decodeMissingFiles(packet network.Packet) (network.MissingFiles, error) {
	var msg network.MissingFiles
	if err := json.Unmarshal(packet.Payload, &msg); err != nil {
		return network.MissingFiles{}, fmt.Errorf("decode missing files: %w", err)
	}
	return msg, nil
}

func decodeCancel(packet network.Packet) (network.NegotiationCancel, error) {
	var msg network.NegotiationCancel
	if err := json.Unmarshal(packet.Payload, &msg); err != nil {
		return network.NegotiationCancel{}, fmt.Errorf("decode negotiation cancel: %w", err)
	}
	return msg, nil
}

// DecodeOffer decodes a project_offer packet into negotiation entries.
func DecodeOffer(packet network.Packet) (network.ProjectOffer, []Entry, error) {
	var offer network.ProjectOffer
	if err := json.Unmarshal(packet.Payload, &offer); err != nil {
		return network.ProjectOffer{}, nil, fmt.Errorf("decode project offer: %w", err)
	}
	entries := make([]Entry, 0, len(offer.Entries))
	for _, e := range offer.Entries {
		if err := validateRootID(e.RootID); err != nil {
			return network.ProjectOffer{}, nil, fmt.Errorf("decode project offer: %w", err)
		}
		entries = append(entries, NewEntry(e.RootID, e.FileList, e.Partial))
	}
	return offer, entries, nil
}
