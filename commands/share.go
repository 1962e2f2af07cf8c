package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"projsync/config"
	"projsync/discovery"
	"projsync/logging"
	"projsync/negotiation"
	"projsync/network"
	"projsync/session"
	"projsync/transfer"
	"projsync/workspace"
)

// disconnectGrace bounds how long the sharing side waits for the peer to
// hang up after a finished negotiation.
const disconnectGrace = 5 * time.Second

var (
	shareListen    string
	sharePartial   []string
	shareMode      string
	shareAdvertise bool
)

// ShareCmd offers directories to the first peer that connects.
var ShareCmd = &cobra.Command{
	Use:   "share <dir>...",
	Short: "Offer directories to the first peer that joins",
	Long: `Listen for a peer, offer the given directories and send every file the
peer is missing. With --partial only the listed paths are offered and the
peer keeps everything else it has.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runShare,
}

func init() {
	ShareCmd.Flags().StringVar(&shareListen, "listen", "", "Address to listen on (default: from config)")
	ShareCmd.Flags().StringSliceVar(&sharePartial, "partial", nil, "Offer only these paths, relative to each directory")
	ShareCmd.Flags().StringVar(&shareMode, "mode", "", "Content transfer mode: stream or archive (default: from config)")
	ShareCmd.Flags().BoolVar(&shareAdvertise, "advertise", true, "Advertise the session over mDNS when discovery is enabled")
}

func runShare(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	outcome, err := share(ctx, env, shareRequest{
		Dirs:      args,
		Partial:   sharePartial,
		Mode:      shareMode,
		Listen:    shareListen,
		Advertise: shareAdvertise && env.cfg.Discovery.Enabled,
		Out:       out,
		Ready: func(address, sessionID string) {
			fmt.Fprintf(out, "Session ID:  %s\n", sessionID)
			fmt.Fprintf(out, "Listening:   %s\n", address)
			fmt.Fprintln(out, "Waiting for a peer to join...")
		},
	})
	printOutcome(out, outcome)
	return err
}

type shareRequest struct {
	Dirs      []string
	Partial   []string
	Mode      string
	Listen    string
	Advertise bool
	Out       io.Writer
	// Ready is called once the listener is up.
	Ready func(address, sessionID string)
}

// share runs the offering side of one negotiation against the first peer
// that connects.
func share(ctx context.Context, env *environment, req shareRequest) (negotiation.Outcome, error) {
	mode := req.Mode
	if mode == "" {
		mode = env.cfg.Negotiation.TransferMode
	}
	if !config.IsValidTransferMode(mode) {
		return negotiation.Outcome{}, fmt.Errorf("unknown transfer mode %q", mode)
	}

	mapping, err := openMapping(req.Dirs)
	if err != nil {
		return negotiation.Outcome{}, err
	}

	sess := session.New(session.Options{LocalUser: env.cfg.Device.DeviceID, Logger: env.logger})
	manager := session.NewManager(env.logger)
	manager.Start(sess)
	defer manager.StopSession(session.StopLocalUserLeft)

	partial := make(map[string][]string)
	for _, b := range mapping {
		sess.AddReferencePointMapping(b.RootID, b.Root)
		if len(req.Partial) > 0 {
			partial[b.RootID] = req.Partial
			sess.AddSharedResources(b.Root, b.RootID, req.Partial)
		} else {
			sess.AddSharedResources(b.Root, b.RootID, nil)
		}
	}

	listen := req.Listen
	if listen == "" {
		listen = env.listenAddress()
	}
	server, err := network.Listen(listen, env.helloOptions())
	if err != nil {
		return negotiation.Outcome{}, err
	}
	defer func() {
		_ = server.Close()
	}()

	if req.Ready != nil {
		req.Ready(server.Addr().String(), sess.ID())
	}
	if req.Advertise {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			DeviceID:      env.cfg.Device.DeviceID,
			DeviceName:    env.cfg.Device.DeviceName,
			SessionID:     sess.ID(),
			ListeningPort: listenPort(server.Addr()),
			Roots:         len(mapping),
			Logger:        env.logger,
		})
		if err != nil {
			env.logger.Warn("session advertisement unavailable", logging.Err(err))
		} else {
			defer broadcaster.Stop()
		}
	}

	conn, err := acceptPeer(ctx, env, server)
	if err != nil {
		return negotiation.Outcome{
			Status: negotiation.StatusCancelled,
			Origin: negotiation.OriginLocal,
			Reason: "no peer joined",
			Cause:  err,
		}, err
	}
	defer func() {
		_ = conn.Close()
	}()
	sess.AddRemoteUser(conn.PeerDeviceID())

	dispatcher := network.NewDispatcher(conn, env.logger)
	registry := negotiation.NewRegistry(env.logger)
	registry.Bind(dispatcher)
	dispatcher.Start(ctx)

	sender, err := transfer.NewSender(mode, transfer.SenderOptions{
		Transmitter: dispatcher,
		ChunkSize:   env.cfg.Negotiation.ChunkSize,
		Logger:      env.logger,
	})
	if err != nil {
		return negotiation.Outcome{}, err
	}

	outgoing, err := negotiation.NewOutgoing(negotiation.OutgoingOptions{
		ID:             uuid.NewString(),
		Peer:           conn.PeerDeviceID(),
		Mapping:        mapping,
		Partial:        partial,
		TransferMode:   mode,
		Session:        sess,
		Manager:        manager,
		Transmitter:    dispatcher,
		Receiver:       dispatcher,
		Sender:         sender,
		Cache:          env.store,
		History:        env.store,
		Logger:         env.logger,
		QueuingTimeout: env.cfg.Negotiation.QueuingTimeout(),
	})
	if err != nil {
		return negotiation.Outcome{}, err
	}
	if err := registry.Add(outgoing); err != nil {
		return negotiation.Outcome{}, err
	}
	defer registry.Remove(outgoing.ID())
	stopCancel := context.AfterFunc(ctx, func() {
		registry.CancelAll("interrupted", negotiation.NotifyPeer)
	})
	defer stopCancel()

	if req.Out != nil {
		fmt.Fprintf(req.Out, "Peer %s joined, negotiating:\n", conn.PeerDeviceName())
	}
	outcome, runErr := outgoing.Run(ctx, newLogProgress(env.logger, outgoing.ID(), req.Out))

	// Let the peer read everything before the connection goes away.
	select {
	case <-conn.Done():
	case <-time.After(disconnectGrace):
	case <-ctx.Done():
	}
	return outcome, runErr
}

func acceptPeer(ctx context.Context, env *environment, server *network.Server) (*network.PeerConnection, error) {
	for {
		select {
		case conn, ok := <-server.Incoming():
			if !ok {
				return nil, errors.New("listener closed")
			}
			env.logger.Info("peer connected",
				logging.Peer(conn.PeerDeviceID()),
				logging.String("address", conn.RemoteAddr().String()),
			)
			return conn, nil
		case err, ok := <-server.Errors():
			if ok {
				env.logger.Warn("inbound connection failed", logging.Err(err))
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// openMapping opens every directory as a shared root under a fresh root id.
func openMapping(dirs []string) (negotiation.Mapping, error) {
	roots := make(map[string]*workspace.Root, len(dirs))
	for _, dir := range dirs {
		root, err := workspace.Open(dir)
		if err != nil {
			return nil, err
		}
		roots[uuid.NewString()] = root
	}
	return negotiation.NewMapping(roots), nil
}

func listenPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
