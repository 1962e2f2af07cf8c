package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"projsync/discovery"
	"projsync/logging"
	"projsync/negotiation"
	"projsync/network"
	"projsync/session"
	"projsync/transfer"
	"projsync/workspace"
)

// DefaultOfferWait bounds how long join waits for the offer after connecting.
const DefaultOfferWait = time.Minute

var joinOfferWait time.Duration

// JoinCmd connects to a sharing peer and accepts its offer.
var JoinCmd = &cobra.Command{
	Use:   "join <address|session-id> <dir>",
	Short: "Join a shared session and receive its directories",
	Long: `Connect to a sharing peer, either by host:port or by session id looked up
over mDNS, and bring <dir> in line with the offered project. A single
offered directory is received into <dir>; several are received into
subdirectories named after the remote directories.`,
	Args: cobra.ExactArgs(2),
	RunE: runJoin,
}

func init() {
	JoinCmd.Flags().DurationVar(&joinOfferWait, "offer-timeout", DefaultOfferWait, "How long to wait for the project offer")
}

func runJoin(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	outcome, err := join(ctx, env, joinRequest{
		Target:    args[0],
		Dir:       args[1],
		OfferWait: joinOfferWait,
		Out:       out,
	})
	printOutcome(out, outcome)
	return err
}

type joinRequest struct {
	Target    string
	Dir       string
	OfferWait time.Duration
	Out       io.Writer
}

type receivedOffer struct {
	offer   network.ProjectOffer
	entries []negotiation.Entry
}

// join runs the receiving side of one negotiation.
func join(ctx context.Context, env *environment, req joinRequest) (negotiation.Outcome, error) {
	address, err := resolveTarget(ctx, env, req.Target)
	if err != nil {
		return negotiation.Outcome{}, err
	}

	conn, err := network.DialWithRetry(ctx, address, env.helloOptions(), network.DefaultDialBackoff)
	if err != nil {
		return negotiation.Outcome{}, fmt.Errorf("connect to %s: %w", address, err)
	}
	defer func() {
		_ = conn.Disconnect()
	}()

	dispatcher := network.NewDispatcher(conn, env.logger)
	registry := negotiation.NewRegistry(env.logger)
	offers := make(chan receivedOffer, 1)
	registry.OnOffer(func(offer network.ProjectOffer, entries []negotiation.Entry) {
		select {
		case offers <- receivedOffer{offer: offer, entries: entries}:
		default:
			env.logger.Warn("ignoring additional project offer", logging.NegotiationID(offer.NegotiationID))
		}
	})
	registry.Bind(dispatcher)
	dispatcher.Start(ctx)

	received, err := awaitOffer(ctx, dispatcher, offers, req.OfferWait)
	if err != nil {
		return negotiation.Outcome{}, err
	}
	offer := received.offer

	sess := session.New(session.Options{
		ID:        offer.SessionID,
		LocalUser: env.cfg.Device.DeviceID,
		Host:      offer.Host,
		Logger:    env.logger,
	})
	sess.AddRemoteUser(conn.PeerDeviceID())
	manager := session.NewManager(env.logger)
	manager.Start(sess)

	mapping, err := prepareRoots(req.Dir, offer)
	if err != nil {
		return negotiation.Outcome{}, err
	}

	coordinator, err := transfer.New(offer.TransferMode, transfer.Options{
		Receiver: dispatcher,
		Logger:   env.logger,
	})
	if err != nil {
		return negotiation.Outcome{}, err
	}

	incoming, err := negotiation.NewIncoming(negotiation.IncomingOptions{
		ID:                   offer.NegotiationID,
		Peer:                 conn.PeerDeviceID(),
		Entries:              received.entries,
		Session:              sess,
		Manager:              manager,
		Transmitter:          dispatcher,
		Receiver:             dispatcher,
		Transfer:             coordinator,
		Cache:                env.store,
		History:              env.store,
		Logger:               env.logger,
		QueuingTimeout:       env.cfg.Negotiation.QueuingTimeout(),
		TransferPollInterval: env.cfg.Negotiation.TransferPollInterval(),
		TransferWaitTimeout:  env.cfg.Negotiation.TransferWaitTimeout(),
	})
	if err != nil {
		return negotiation.Outcome{}, err
	}
	if err := registry.Add(incoming); err != nil {
		return negotiation.Outcome{}, err
	}
	defer registry.Remove(incoming.ID())
	stopCancel := context.AfterFunc(ctx, func() {
		registry.CancelAll("interrupted", negotiation.NotifyPeer)
	})
	defer stopCancel()

	if req.Out != nil {
		fmt.Fprintf(req.Out, "Receiving %d director%s from %s:\n", len(mapping), plural(len(mapping), "y", "ies"), conn.PeerDeviceName())
	}
	return incoming.Run(ctx, mapping, newLogProgress(env.logger, incoming.ID(), req.Out))
}

// resolveTarget accepts host:port as is and looks anything else up as a session id.
func resolveTarget(ctx context.Context, env *environment, target string) (string, error) {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target, nil
	}
	if !env.cfg.Discovery.Enabled {
		return "", fmt.Errorf("%q is not host:port and discovery is disabled", target)
	}

	ad, err := discovery.Lookup(ctx, discovery.Config{
		DeviceID:      env.cfg.Device.DeviceID,
		LookupTimeout: env.cfg.Discovery.LookupTimeout(),
		Logger:        env.logger,
	}, target)
	if err != nil {
		return "", err
	}
	env.logger.Info("session found",
		logging.SessionID(ad.SessionID),
		logging.Peer(ad.DeviceID),
		logging.String("address", ad.Address()),
	)
	return ad.Address(), nil
}

func awaitOffer(ctx context.Context, dispatcher *network.Dispatcher, offers <-chan receivedOffer, wait time.Duration) (receivedOffer, error) {
	if wait <= 0 {
		wait = DefaultOfferWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case received := <-offers:
		return received, nil
	case <-dispatcher.Done():
		return receivedOffer{}, errors.New("connection closed before a project offer arrived")
	case <-timer.C:
		return receivedOffer{}, fmt.Errorf("no project offer within %s", wait)
	case <-ctx.Done():
		return receivedOffer{}, ctx.Err()
	}
}

// prepareRoots creates the local directories that receive the offered roots.
func prepareRoots(dir string, offer network.ProjectOffer) (negotiation.Mapping, error) {
	roots := make(map[string]*workspace.Root, len(offer.Entries))
	used := make(map[string]bool, len(offer.Entries))

	for _, entry := range offer.Entries {
		target := dir
		if len(offer.Entries) > 1 {
			name := filepath.Base(filepath.Clean(entry.Name))
			if name == "." || name == string(filepath.Separator) || name == ".." || used[name] {
				name = entry.RootID
			}
			used[name] = true
			target = filepath.Join(dir, name)
			if !within(dir, target) {
				return nil, fmt.Errorf("root %q resolves outside %s", entry.RootID, dir)
			}
		}

		if err := os.MkdirAll(target, 0o755); err != nil {
			return nil, fmt.Errorf("create %q: %w", target, err)
		}
		root, err := workspace.Open(target)
		if err != nil {
			return nil, err
		}
		roots[entry.RootID] = root
	}
	return negotiation.NewMapping(roots), nil
}

// within reports whether target is dir itself or lies below it.
func within(dir, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
