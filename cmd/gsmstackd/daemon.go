package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/gsmstack/internal/bssgp"
	"github.com/oriys/gsmstack/internal/config"
	"github.com/oriys/gsmstack/internal/dispatch"
	"github.com/oriys/gsmstack/internal/grpcdebug"
	"github.com/oriys/gsmstack/internal/logging"
	"github.com/oriys/gsmstack/internal/metrics"
	"github.com/oriys/gsmstack/internal/ns"
	"github.com/oriys/gsmstack/internal/observability"
	"github.com/oriys/gsmstack/internal/timer"
)

// frgreEndpoint is the subset of *ns's unexported FR/GRE socket type this
// package needs. ns.ListenFRGRE returns a concrete type gsmstackd cannot
// name directly, so daemon.go depends on it through this interface instead.
type frgreEndpoint interface {
	SetSink(ns.DatagramSink)
	Transport(dstIP string, dlci uint16) (ns.Transport, string, error)
	Serve() error
	Close() error
}

func runCmd() *cobra.Command {
	var (
		udpAddr      string
		frgreLocalIP string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gsmstackd daemon",
		Long:  "Binds the configured NS transports, registers the static BVCs, and runs the single-threaded NS/BSSGP core until a shutdown signal arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			} else {
				cfg = config.DefaultConfig()
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("udp-addr") {
				cfg.UDP.Addr = udpAddr
				cfg.UDP.Enabled = true
			}
			if cmd.Flags().Changed("frgre-local-ip") {
				cfg.FRGRE.LocalIP = frgreLocalIP
				cfg.FRGRE.Enabled = true
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace)
			}

			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&udpAddr, "udp-addr", "", "NS-over-UDP bind address (e.g. 0.0.0.0:23000)")
	cmd.Flags().StringVar(&frgreLocalIP, "frgre-local-ip", "", "NS-over-FR/GRE local bind IP")

	return cmd
}

// runDaemon wires the timer wheel, NS instance, BSSGP manager, configured
// transports and BVCs together, then drives THE CORE from a single select
// loop: inbound datagrams queued by transport read goroutines and timer
// wheel expiry are both handled from this one goroutine, per spec.md §5.
func runDaemon(cfg *config.Config) error {
	wheel := timer.New(nil)
	ni := ns.NewInstance(wheel)
	ni.SetTimerConfig(ns.TimerConfig{
		ResetTimeout:    cfg.Timers.ResetTimeout(),
		BlockTimeout:    cfg.Timers.BlockTimeout(),
		TestTimeout:     cfg.Timers.TestTimeout(),
		AliveTimeout:    cfg.Timers.AliveTimeout(),
		MaxResetRetries: cfg.Timers.MaxResetRetries,
		MaxBlockRetries: cfg.Timers.MaxBlockRetries,
		MaxAliveRetries: cfg.Timers.MaxAliveRetries,
	})

	bvcs := bssgp.NewManager(wheel, ni)

	ni.SetUnitDataHandler(func(nsei, bvci uint16, payload []byte) {
		logging.Op().Debug("ns: uplink UNITDATA received", "nsei", nsei, "bvci", bvci, "bytes", len(payload))
	})

	ni.SetSignalSink(func(sig ns.Signal) {
		logging.Op().Info("ns: signal", "kind", sig.Kind, "nsvci", sig.NSVCI, "nsei", sig.NSEI, "cause", sig.Cause)
	})

	queue := dispatch.New(0)

	var udpEndpoint *ns.UdpEndpoint
	if cfg.UDP.Enabled {
		var err error
		udpEndpoint, err = ns.ListenUDP(cfg.UDP.Addr, ni)
		if err != nil {
			return fmt.Errorf("listen udp: %w", err)
		}
		udpEndpoint.SetSink(func(peer string, raw []byte, t ns.Transport) {
			queue.Push(dispatch.Datagram{Peer: peer, Raw: raw, Transport: t})
		})
		defer udpEndpoint.Close()
		go func() {
			if err := udpEndpoint.Serve(); err != nil {
				logging.Op().Warn("ns: udp endpoint stopped", "err", err)
			}
		}()
		logging.Op().Info("ns-over-udp listening", "addr", cfg.UDP.Addr)
	}

	var greEndpoint frgreEndpoint
	if cfg.FRGRE.Enabled {
		ep, err := ns.ListenFRGRE(cfg.FRGRE.LocalIP, ni)
		if err != nil {
			return fmt.Errorf("listen frgre: %w", err)
		}
		greEndpoint = ep
		greEndpoint.SetSink(func(peer string, raw []byte, t ns.Transport) {
			queue.Push(dispatch.Datagram{Peer: peer, Raw: raw, Transport: t})
		})
		defer greEndpoint.Close()
		go func() {
			if err := greEndpoint.Serve(); err != nil {
				logging.Op().Warn("ns: frgre endpoint stopped", "err", err)
			}
		}()
		logging.Op().Info("ns-over-frgre listening", "local_ip", cfg.FRGRE.LocalIP)
	}

	for _, nc := range cfg.Nsvcs {
		var t ns.Transport
		var peerKey string
		var err error
		switch nc.Transport {
		case "udp":
			if udpEndpoint == nil {
				return fmt.Errorf("nsvc %d: udp transport configured but udp listener disabled", nc.NSVCI)
			}
			t, peerKey, err = udpEndpoint.Transport(nc.PeerAddr)
		case "frgre":
			if greEndpoint == nil {
				return fmt.Errorf("nsvc %d: frgre transport configured but frgre listener disabled", nc.NSVCI)
			}
			t, peerKey, err = greEndpoint.Transport(nc.PeerAddr, nc.DLCI)
		default:
			return fmt.Errorf("nsvc %d: unknown transport %q", nc.NSVCI, nc.Transport)
		}
		if err != nil {
			return fmt.Errorf("nsvc %d: %w", nc.NSVCI, err)
		}
		if _, err := ni.AddNsvc(nc.NSVCI, nc.NSEI, t, peerKey, false); err != nil {
			return fmt.Errorf("nsvc %d: %w", nc.NSVCI, err)
		}
		logging.Op().Info("nsvc configured", "nsvci", nc.NSVCI, "nsei", nc.NSEI, "transport", nc.Transport)
	}

	for _, bc := range cfg.BVCs {
		raid := bssgp.RoutingAreaID{MCC: bc.MCC, MNC: bc.MNC, LAC: bc.LAC, RAC: bc.RAC}
		if _, err := bvcs.CreateBVC(raid, bc.CellID, bc.BVCI, bc.NSEI, bc.BucketSizeMax, bc.LeakRate, bc.MaxQueueDepth); err != nil {
			return fmt.Errorf("bvc %d/%d: %w", bc.BVCI, bc.NSEI, err)
		}
		logging.Op().Info("bvc configured", "bvci", bc.BVCI, "nsei", bc.NSEI, "cell_id", bc.CellID)
	}

	var debugSrv *grpcdebug.Server
	if cfg.DebugGRPC.Enabled {
		debugSrv = grpcdebug.New(ni, bvcs)
		if err := debugSrv.Start(cfg.DebugGRPC.Addr); err != nil {
			return fmt.Errorf("start grpcdebug: %w", err)
		}
		defer debugSrv.Stop()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.PrometheusHandler())
		mux.Handle("/debug/metrics.json", metrics.Global().JSONHandler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.HTTPAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Op().Error("metrics server error", "err", err)
			}
		}()
		logging.Op().Info("metrics endpoint started", "addr", cfg.Metrics.HTTPAddr)
	}

	logging.Op().Info("gsmstackd started", "nsvcs", len(cfg.Nsvcs), "bvcs", len(cfg.BVCs))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

	for {
		var waitCh <-chan time.Time
		var wakeTimer *time.Timer
		if d, ok := wheel.Nearest(); ok {
			wakeTimer = time.NewTimer(d)
			waitCh = wakeTimer.C
		}

		select {
		case <-sigCh:
			if wakeTimer != nil {
				wakeTimer.Stop()
			}
			logging.Op().Info("shutdown signal received")
			if metricsSrv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				metricsSrv.Shutdown(ctx)
				cancel()
			}
			return nil

		case d := <-queue.Chan():
			if wakeTimer != nil {
				wakeTimer.Stop()
			}
			ni.Deliver(d.Peer, d.Raw, d.Transport)

		case <-waitCh:
			wheel.Update()

		case <-statusTicker.C:
			if wakeTimer != nil {
				wakeTimer.Stop()
			}
			if cfg.Metrics.Enabled {
				metrics.SyncPrometheusGauges()
			}
			if debugSrv != nil {
				debugSrv.Refresh()
			}
			if dropped := queue.Dropped(); dropped > 0 {
				logging.Op().Warn("dispatch queue has dropped datagrams", "dropped", dropped)
			}
		}
	}
}
