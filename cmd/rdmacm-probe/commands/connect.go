package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmacm/internal/config"
	"github.com/piwi3910/rdmacm/internal/health"
	"github.com/piwi3910/rdmacm/internal/metrics"
	"github.com/piwi3910/rdmacm/internal/shutdown"
	"github.com/piwi3910/rdmacm/internal/transport/rdma"
)

type connectOptions struct {
	reply       string
	timeout     time.Duration
	reject      bool
	unreachable bool
}

type connectOutcome struct {
	status error
	remote rdma.RemoteData
}

// NewConnectCmd creates the connect command
func NewConnectCmd(opts *GlobalOptions) *cobra.Command {
	co := &connectOptions{}

	cmd := &cobra.Command{
		Use:   "connect <ip:port>",
		Short: "Connect a client endpoint to a peer on the simulated fabric",
		Long: `Create a client endpoint toward the peer, wait for the connection to be
established, disconnect, and destroy the endpoint and the communication manager.

The simulated peer can be told to answer with private data (--reply), to reject
the connection (--reject), or to be unreachable (--unreachable).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runConnect(ctx, cmd, opts.Config(), args[0], co)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&co.reply, "reply", "", "Private data the simulated peer answers with")
	flags.DurationVar(&co.timeout, "timeout", 0, "Override probe.connect_timeout")
	flags.BoolVar(&co.reject, "reject", false, "Make the simulated peer reject the connection")
	flags.BoolVar(&co.unreachable, "unreachable", false, "Make the peer address unreachable")

	return cmd
}

func runConnect(ctx context.Context, cmd *cobra.Command, cfg *config.Config, target string, co *connectOptions) error {
	dst, err := net.ResolveTCPAddr("tcp", target)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", target, err)
	}

	verbs := rdma.NewSimulatedVerbs()

	provider, err := rdma.NewSimulatedProvider(verbs, cfg.CM.DeviceName)
	if err != nil {
		return err
	}

	if err := configurePeer(provider, dst, co); err != nil {
		return err
	}

	cm, err := rdma.NewCM(rdma.CMConfig{
		DeviceName:      cfg.CM.DeviceName,
		EventQueueDepth: cfg.CM.EventQueueDepth,
	}, provider, verbs)
	if err != nil {
		return err
	}

	timeout := cfg.Probe.ConnectTimeout
	if co.timeout > 0 {
		timeout = co.timeout
	}

	metrics.Init(cmd.Root().Version, cfg.CM.DeviceName)

	coord := shutdown.NewCoordinator(shutdownConfig(cfg))
	components := shutdown.ShutdownComponents{CM: cm}

	// Shutdown must run to completion even after a signal cancels ctx.
	shutdownCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)

	progressCtx, stopProgress := context.WithCancel(gctx)
	progressDone := make(chan struct{})

	g.Go(func() error {
		defer close(progressDone)
		return cm.Progress(progressCtx)
	})

	coord.RegisterHook(shutdown.PhaseProgress, func(ctx context.Context) error {
		stopProgress()

		select {
		case <-progressDone:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("progress loop did not stop: %w", ctx.Err())
		}
	})

	if cfg.Metrics.Enabled {
		srv := newMetricsServer(cfg.Metrics.ListenAddr, health.NewChecker(cm, coord))
		components.HTTPServers = append(components.HTTPServers, srv)

		g.Go(srv.ListenAndServe)
	}

	connected := make(chan connectOutcome, 1)
	disconnected := make(chan struct{}, 1)

	params := (&rdma.EndpointParams{}).
		SetCM(cm).
		SetAsync().
		SetSockaddr(dst).
		SetUserData(target).
		SetConnectCB(func(_ *rdma.Endpoint, _ any, remote rdma.RemoteData, status error) {
			connected <- connectOutcome{status: status, remote: remote}
		}).
		SetDisconnectCB(func(*rdma.Endpoint, any) {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		})

	if cfg.Probe.PrivateData != "" {
		payload := []byte(cfg.Probe.PrivateData)
		params.SetPackCB(func(any, string) ([]byte, error) { return payload, nil })
	}

	start := time.Now()

	ep, err := rdma.NewEndpoint(params)
	if err != nil {
		metrics.RecordProbe(metrics.ResultFailed, time.Since(start))

		_ = coord.Shutdown(shutdownCtx, components)
		_ = g.Wait()

		return fmt.Errorf("failed to create endpoint: %w", err)
	}

	components.Endpoints = []shutdown.Destroyable{ep}

	log.Info().
		Str("ep", ep.TraceID()).
		Str("peer", dst.String()).
		Str("device", cfg.CM.DeviceName).
		Dur("timeout", timeout).
		Msg("Connecting")

	g.Go(func() error {
		defer func() { _ = coord.Shutdown(shutdownCtx, components) }()

		return awaitProbe(gctx, cmd, provider, ep, start, connected, disconnected, timeout)
	})

	return g.Wait()
}

func configurePeer(provider *rdma.SimulatedProvider, dst net.Addr, co *connectOptions) error {
	provider.SetReject(co.reject)

	if co.unreachable {
		provider.SetUnreachable(dst.String())
	}

	if co.reply != "" {
		reply, err := rdma.PackPrivData(&rdma.PrivDataHdr{}, []byte(co.reply))
		if err != nil {
			return fmt.Errorf("invalid --reply: %w", err)
		}

		provider.SetRemotePrivateData(reply)
	}

	return nil
}

// awaitProbe waits for the connection, disconnects, and waits for the
// disconnect to be delivered.
func awaitProbe(
	ctx context.Context,
	cmd *cobra.Command,
	provider *rdma.SimulatedProvider,
	ep *rdma.Endpoint,
	start time.Time,
	connected <-chan connectOutcome,
	disconnected <-chan struct{},
	timeout time.Duration,
) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out connectOutcome

	select {
	case out = <-connected:
	case <-timer.C:
		metrics.RecordProbe(metrics.ResultTimeout, time.Since(start))
		return fmt.Errorf("timed out after %s waiting for the connection", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	if out.status != nil {
		metrics.RecordProbe(metrics.ResultFailed, time.Since(start))
		return fmt.Errorf("connect failed: %w", out.status)
	}

	metrics.RecordProbe(metrics.ResultConnected, time.Since(start))

	peer := ep.ID().PeerAddr()

	if sent, ok := provider.LastConnParam(ep.ID().Handle()); ok {
		printf(cmd, "connected to %s (endpoint %s, qp_num %#x)\n", peer, ep.TraceID(), sent.QPNum)
	} else {
		printf(cmd, "connected to %s (endpoint %s)\n", peer, ep.TraceID())
	}

	if len(out.remote.PrivateData) > 0 {
		printf(cmd, "remote private data: %q\n", out.remote.PrivateData)
	}

	if err := ep.Disconnect(0); err != nil {
		return err
	}

	timer.Reset(timeout)

	select {
	case <-disconnected:
	case <-timer.C:
		return fmt.Errorf("timed out after %s waiting for the disconnect", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	printf(cmd, "disconnected from %s\n", peer)

	return nil
}

func shutdownConfig(cfg *config.Config) shutdown.Config {
	sc := shutdown.DefaultConfig()
	sc.TotalTimeout = cfg.Shutdown.TotalTimeout

	return sc
}
