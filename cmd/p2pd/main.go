// Command p2pd runs the peer daemon: the mutually-authenticated peer host,
// the SDK-facing Channel Server, and their shared Channel Router.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coreledger/meshnode/channel"
	"github.com/coreledger/meshnode/config"
	"github.com/coreledger/meshnode/observability/logging"
	"github.com/coreledger/meshnode/observability/otel"
	"github.com/coreledger/meshnode/p2p"
)

// bootstrapPeer is one entry of the on-disk seed list read from
// Config.NodesFile, matching SPEC_FULL.md §6's node-connection-manager
// authorized-peer table.
type bootstrapPeer struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

func main() {
	configPath := flag.String("config", "./p2pd.toml", "path to the peer daemon configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("P2PD_ENV"))
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogService, env, cfg.LogFile)

	if cfg.TelemetryEndpoint != "" {
		shutdownTelemetry, err := otel.Init(context.Background(), otel.Config{
			ServiceName: cfg.LogService,
			Environment: env,
			Endpoint:    cfg.TelemetryEndpoint,
			Insecure:    cfg.TelemetryInsecure,
			Headers:     otel.ParseHeaders(cfg.TelemetryHeaders),
			Metrics:     cfg.TelemetryMetrics,
			Traces:      cfg.TelemetryTraces,
		})
		if err != nil {
			logger.Error("failed to initialise telemetry exporters", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(ctx)
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", slog.Any("error", err))
		os.Exit(1)
	}

	connManager, err := p2p.NewConnectionManager(cfg.ConnManagerPath())
	if err != nil {
		logger.Error("failed to open connection manager", slog.Any("error", err))
		os.Exit(1)
	}
	defer connManager.Close()

	identity, err := p2p.LoadOrCreateIdentity(cfg.IdentityKeyPath())
	if err != nil {
		logger.Error("failed to load node identity", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("node identity loaded", slog.String("node_id", identity.NodeID().Short()))

	seedAuthorizedPeers(cfg, connManager, logger)

	caPath, certPath, keyPath := cfg.TLSPaths()
	tlsMaterial := p2p.TLSMaterial{CAFile: caPath, CertFile: certPath, KeyFile: keyPath}

	hostCfg := p2p.HostConfig{
		ListenEndpoint:   p2p.Endpoint{Address: cfg.ListenIP, TCPPort: cfg.ListenPort},
		PublicEndpoint:   p2p.Endpoint{Address: cfg.PublicIP, TCPPort: cfg.ListenPort},
		PinMode:          cfg.PinMode,
		IngressSlots:     int(cfg.IdealPeerCount),
		ClientBanner:     "p2pd/1.0",
		TLSMaterial:      tlsMaterial,
		DialRatePerSec:   cfg.DialRatePerSec,
		DialBurst:        cfg.DialBurst,
		AcceptRatePerSec: cfg.AcceptRatePerSec,
		AcceptBurst:      cfg.AcceptBurst,
		Rand:             rand.New(rand.NewSource(time.Now().Unix())),
	}

	capabilities := p2p.NewCapabilityRegistry()
	host := p2p.NewHost(hostCfg, identity, connManager, capabilities, logger.With(slog.String("component", "peer_host")))

	router := channel.NewRouter(host, nil, rand.New(rand.NewSource(time.Now().UnixNano())), logger.With(slog.String("component", "channel_router")))
	host.SetCustomMessageHandler(demux(router, connManager, logger))

	verifier := p2p.NewCertVerifier(connManager)
	channelTLS, err := verifier.BuildChannelTLSConfig(tlsMaterial, cfg.SSLMode == config.SSLModeV2)
	if err != nil {
		logger.Error("failed to build channel TLS config", slog.Any("error", err))
		os.Exit(1)
	}
	channelServer := channel.NewServer(
		p2p.Endpoint{Address: cfg.ChannelListenIP, TCPPort: cfg.ChannelListenPort},
		channelTLS,
		router,
		logger.With(slog.String("component", "channel_server")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := host.Start(ctx); err != nil {
		logger.Error("failed to start peer host", slog.Any("error", err))
		os.Exit(1)
	}
	defer host.Stop()

	if err := channelServer.Start(ctx); err != nil {
		logger.Error("failed to start channel server", slog.Any("error", err))
		os.Exit(1)
	}
	defer channelServer.Stop()

	if cfg.MetricsListenAddress != "" {
		go serveMetrics(cfg.MetricsListenAddress, logger)
	}

	go pruneStaleTopicRequests(ctx, router)

	logger.Info("p2pd initialised and running",
		slog.String("listen", hostCfg.ListenEndpoint.Name()),
		slog.String("channel_listen", p2p.Endpoint{Address: cfg.ChannelListenIP, TCPPort: cfg.ChannelListenPort}.Name()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
}

// demux routes an inbound custom-message payload received by the Peer Host
// to the announcement handler, the disconnect-notice log, or the Channel
// Router, based on the reserved leading tag byte.
func demux(router *channel.Router, connManager *p2p.ConnectionManager, log *slog.Logger) func(p2p.NodeId, []byte) {
	return func(from p2p.NodeId, payload []byte) {
		if len(payload) == 0 {
			return
		}
		switch payload[0] {
		case p2p.AnnouncementTag:
			handleAnnouncement(from, payload, connManager, log)
			return
		case p2p.DisconnectNoticeTag:
			log.Debug("peer sent disconnect notice", slog.String("node", from.Short()))
			return
		}

		frame, err := channel.DecodeFrame(payload)
		if err != nil {
			log.Debug("dropping unrecognized custom message", slog.String("node", from.Short()), slog.Any("error", err))
			return
		}
		router.HandleFromNode(from, frame)
	}
}

func handleAnnouncement(from p2p.NodeId, payload []byte, connManager *p2p.ConnectionManager, log *slog.Logger) {
	announcement, err := p2p.DecodeAnnouncement(payload)
	if err != nil {
		log.Debug("malformed announcement", slog.String("node", from.Short()), slog.Any("error", err))
		return
	}
	authorized, err := connManager.GetAllConnect()
	if err != nil {
		log.Debug("failed to read authorized peers", slog.Any("error", err))
		return
	}
	merged := make(map[string]p2p.Endpoint, len(authorized)+len(announcement.Peers))
	for name, ep := range authorized {
		merged[name] = ep
	}
	for _, ep := range announcement.Peers {
		merged[ep.Name()] = ep
	}
	if len(merged) != len(authorized) {
		if err := connManager.UpdateAllConnect(merged); err != nil {
			log.Debug("failed to merge announced peers", slog.Any("error", err))
		}
	}
}

// seedAuthorizedPeers merges Config.NodesFile's static peer list into the
// connection manager's authorized set on startup.
func seedAuthorizedPeers(cfg *config.Config, connManager *p2p.ConnectionManager, log *slog.Logger) {
	raw, err := os.ReadFile(cfg.NodesFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read nodes file", slog.Any("error", err))
		}
		return
	}
	var entries []bootstrapPeer
	if err := json.Unmarshal(raw, &entries); err != nil {
		log.Warn("failed to parse nodes file", slog.Any("error", err))
		return
	}
	existing, err := connManager.GetAllConnect()
	if err != nil {
		log.Warn("failed to read existing authorized peers", slog.Any("error", err))
		return
	}
	for _, e := range entries {
		ep := p2p.Endpoint{Address: e.Address, TCPPort: e.Port}
		existing[ep.Name()] = ep
	}
	if err := connManager.UpdateAllConnect(existing); err != nil {
		log.Warn("failed to persist seeded peers", slog.Any("error", err))
	}
}

func pruneStaleTopicRequests(ctx context.Context, router *channel.Router) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			router.PruneStaleTopicRequests(now)
		}
	}
}

func serveMetrics(addr string, log *slog.Logger) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: r}
	log.Info("metrics endpoint listening", slog.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server failed", slog.Any("error", err))
	}
}
