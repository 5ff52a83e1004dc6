// Command recorder is the user-space half of the node-introspection
// debugger: it attaches the two kernel probes, consumes their ring
// buffers, decrypts and indexes the traced node's P2P traffic, and serves
// it over HTTP and the Unix control channel.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ocx/sniffer/internal/bpfload"
	"github.com/ocx/sniffer/internal/config"
	"github.com/ocx/sniffer/internal/control"
	"github.com/ocx/sniffer/internal/httpapi"
	"github.com/ocx/sniffer/internal/identity"
	"github.com/ocx/sniffer/internal/kevent"
	"github.com/ocx/sniffer/internal/obs"
	"github.com/ocx/sniffer/internal/registry"
	"github.com/ocx/sniffer/internal/ring"
	"github.com/ocx/sniffer/internal/store"
)

// exitFatalInit is the process's documented exit code for an
// initialization failure; the only other exit path is a normal 0 on a
// clean shutdown.
const exitFatalInit = -1

func main() {
	var (
		configPath    = pflag.String("config", "", "path to config.toml (default: search cwd, /etc, $HOME)")
		envFile       = pflag.String("envfile", "", "optional environment overlay file")
		overridesPath = pflag.String("overrides", "nodes.overrides.yaml", "per-node YAML override file")
		nodeName      = pflag.String("node", "", "name of the node entry in config.toml to run")
		dbOverride    = pflag.String("db", "", "override the node's db path")
		httpOverride  = pflag.String("http", "", "override the node's http_v3 listen address")
		identityPath  = pflag.String("identity-file", "", "override the node's p2p.identity path")
		pid           = pflag.Uint32("pid", 0, "pid of the traced node process")
		bpfObject     = pflag.String("bpf-object", "probes.o", "path to the compiled probe object file")
		controlSocket = pflag.String("control-socket", control.DefaultSocketPath, "control channel unix socket path")
		env           = pflag.String("env", "dev", "dev (console logs) or prod (json logs)")
		metricsAddr   = pflag.String("metrics", ":9090", "Prometheus /metrics listen address")
	)
	pflag.Parse()

	// Before the structured logger exists, bootstrap failures go to
	// log/slog, the same stopgap the teacher's cmd/probe uses ahead of
	// rlimit.RemoveMemlock.
	if *nodeName == "" {
		slog.Error("recorder: -node is required")
		os.Exit(exitFatalInit)
	}
	if *pid == 0 {
		slog.Error("recorder: -pid is required")
		os.Exit(exitFatalInit)
	}

	log := obs.NewLogger(*env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config.toml")
		os.Exit(exitFatalInit)
	}
	if *envFile != "" {
		if err := config.ApplyEnvFile(cfg, *envFile); err != nil {
			log.Error().Err(err).Msg("failed to apply environment overlay")
			os.Exit(exitFatalInit)
		}
	}
	manager, err := config.NewManager(cfg, *overridesPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load per-node overrides")
		os.Exit(exitFatalInit)
	}
	nodeCfg, ok := manager.Node(*nodeName)
	if !ok {
		log.Error().Str("node", *nodeName).Msg("unknown node in config.toml")
		os.Exit(exitFatalInit)
	}
	if *dbOverride != "" {
		nodeCfg.DB = *dbOverride
	}
	if *httpOverride != "" {
		nodeCfg.HTTPV3 = *httpOverride
	}
	idPath := nodeCfg.P2P.Identity
	if *identityPath != "" {
		idPath = *identityPath
	}

	id, err := loadIdentity(idPath)
	if err != nil {
		log.Error().Err(err).Str("path", idPath).Msg("failed to load node identity")
		os.Exit(exitFatalInit)
	}

	st, err := store.Open(nodeCfg.DB)
	if err != nil {
		log.Error().Err(err).Str("db", nodeCfg.DB).Msg("failed to open store")
		os.Exit(exitFatalInit)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	api := httpapi.New(st, log, metrics)
	defer api.Close()

	registryLog := log.With().Str("node", *nodeName).Logger()
	reg2 := registry.New(st, metrics, registryLog, uint16(nodeCfg.Log.Port))
	reg2.OnMessage = api.OnMessage
	reg2.SetNodeConfig(*pid, registry.NodeConfig{Identity: id})

	counters := newCounterSet()

	ctl := &control.Server{
		SocketPath: *controlSocket,
		Registry:   reg2,
		Counters:   counters,
		Log:        log,
	}
	if err := ctl.Listen(); err != nil {
		log.Error().Err(err).Msg("failed to listen on control socket")
		os.Exit(exitFatalInit)
	}
	reg2.OnIgnore = ctl.NotifyIgnore

	att, err := bpfload.Attach(bpfload.DefaultConfig(*bpfObject))
	if err != nil {
		log.Error().Err(err).Msg("failed to attach kernel probes")
		os.Exit(exitFatalInit)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{Addr: nodeCfg.HTTPV3, Handler: api.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("v3 http server exited")
		}
	}()

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server exited")
		}
	}()

	go func() {
		if err := ctl.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("control server exited")
		}
	}()

	go runSyscallLoop(ctx, att.SyscallRing, reg2, metrics, log, counters)
	go runMemLoop(ctx, att.MemRing, st, metrics, log, counters)

	log.Info().Str("node", *nodeName).Str("http_v3", nodeCfg.HTTPV3).Msg("recorder started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = ctl.Close()

	reports := reg2.TerminateAll()
	for _, r := range reports {
		log.Info().
			Str("conn", r.ConnKey.String()).
			Uint64("messages", r.MessagesEmitted).
			Msg("connection flushed at shutdown")
	}

	if err := att.Close(); err != nil {
		log.Warn().Err(err).Msg("error tearing down kernel probes")
	}
	os.Exit(0)
}

// nodeIdentityFile is the on-disk shape this rewrite expects from the
// concrete identity-file loader, which spec.md §1 names an external
// collaborator: this is a minimal stand-in, not the specified loader.
type nodeIdentityFile struct {
	PublicKey   [32]byte `json:"public_key"`
	SecretKey   [32]byte `json:"secret_key"`
	ProofOfWork [24]byte `json:"proof_of_work"`
}

func loadIdentity(path string) (identity.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("recorder: open identity file: %w", err)
	}
	defer f.Close()

	var raw nodeIdentityFile
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return identity.Identity{}, fmt.Errorf("recorder: decode identity file: %w", err)
	}
	return identity.New(raw.PublicKey, raw.SecretKey, raw.ProofOfWork), nil
}

// counterSet backs the control channel's fetch_counter command with a
// handful of process-wide tallies, independent of the Prometheus registry
// (which has no single-value-by-name lookup).
type counterSet struct {
	ringRecords atomic.Uint64
	codecErrors atomic.Uint64
	memRecords  atomic.Uint64
}

func newCounterSet() *counterSet { return &counterSet{} }

func (c *counterSet) Counter(name string) (uint64, bool) {
	switch name {
	case "ring_records_total":
		return c.ringRecords.Load(), true
	case "codec_errors_total":
		return c.codecErrors.Load(), true
	case "mem_records_total":
		return c.memRecords.Load(), true
	default:
		return 0, false
	}
}

// reportRingTelemetry updates the backpressure/depth gauges from the ring's
// current cursor snapshot and logs once, per spec, the moment backpressure
// crosses 100%.
func reportRingTelemetry(buf *ring.Buffer, metrics *obs.Metrics, log zerolog.Logger, label string) {
	snapshot := buf.Observer()
	if metrics != nil {
		metrics.RingBackpressurePct.Set(snapshot.BackpressurePct)
		metrics.RingDepth.Set(float64(snapshot.Depth))
	}
	if buf.CheckOverflow() {
		if metrics != nil {
			metrics.RingOverflowTotal.Inc()
		}
		log.Warn().Str("ring", label).Float64("backpressure_pct", snapshot.BackpressurePct).Msg("ring buffer crossed 100% backpressure")
	}
}

// runSyscallLoop drains the network syscall ring into the connection
// registry until ctx is cancelled.
func runSyscallLoop(ctx context.Context, buf *ring.Buffer, reg *registry.ConnectionRegistry, metrics *obs.Metrics, log zerolog.Logger, counters *counterSet) {
	for {
		if ctx.Err() != nil {
			return
		}
		var bytesRead uint64
		n, recordErrs, err := buf.Read(func(rec ring.Record) error {
			counters.ringRecords.Add(1)
			bytesRead += uint64(len(rec.Payload))
			ev, err := kevent.DecodeSyscallEvent(rec.Payload)
			if err != nil {
				return err
			}
			dispatchSyscallEvent(reg, ev)
			return nil
		})
		if metrics != nil && bytesRead > 0 {
			metrics.RingBytesRead.Add(float64(bytesRead))
		}
		reportRingTelemetry(buf, metrics, log, "syscall")
		for _, e := range recordErrs {
			counters.codecErrors.Add(1)
			if metrics != nil {
				metrics.CodecErrorsTotal.WithLabelValues("syscall").Inc()
			}
			log.Warn().Err(e).Msg("syscall record decode error")
		}
		if err != nil {
			log.Error().Err(err).Msg("syscall ring read error")
			return
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

func dispatchSyscallEvent(reg *registry.ConnectionRegistry, ev any) {
	switch e := ev.(type) {
	case kevent.Bind:
		reg.HandleBind(e)
	case kevent.Listen:
		reg.HandleListen(e)
	case kevent.Connect:
		reg.HandleConnect(e)
	case kevent.Accept:
		reg.HandleAccept(e)
	case kevent.Data:
		reg.HandleData(e)
	case kevent.Close:
		reg.HandleClose(e)
	case kevent.Debug:
		// diagnostic-only; nothing in the domain model consumes it.
	}
}

// runMemLoop drains the independent kernel memory tracer ring into the
// logs column family as section="kmem" records, per the two-probe
// supplemented feature: these events feed no part of the P2P pipeline.
func runMemLoop(ctx context.Context, buf *ring.Buffer, st *store.Store, metrics *obs.Metrics, log zerolog.Logger, counters *counterSet) {
	for {
		if ctx.Err() != nil {
			return
		}
		var bytesRead uint64
		n, recordErrs, err := buf.Read(func(rec ring.Record) error {
			counters.memRecords.Add(1)
			bytesRead += uint64(len(rec.Payload))
			ev, err := kevent.DecodeMemEvent(rec.Payload)
			if err != nil {
				return err
			}
			appendMemEventLog(ctx, st, ev, log)
			return nil
		})
		if metrics != nil && bytesRead > 0 {
			metrics.RingBytesRead.Add(float64(bytesRead))
		}
		reportRingTelemetry(buf, metrics, log, "mem")
		for _, e := range recordErrs {
			counters.codecErrors.Add(1)
			if metrics != nil {
				metrics.CodecErrorsTotal.WithLabelValues("mem").Inc()
			}
			log.Warn().Err(e).Msg("mem tracer record decode error")
		}
		if err != nil {
			log.Error().Err(err).Msg("mem tracer ring read error")
			return
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}
}

func appendMemEventLog(ctx context.Context, st *store.Store, ev kevent.MemEvent, log zerolog.Logger) {
	if _, err := st.AppendLog(ctx, store.LogRecord{
		TimestampNS: time.Now().UnixNano(),
		Level:       "info",
		Section:     "kmem",
		Message:     fmt.Sprintf("pid=%d disc=%d body=%+v stack_depth=%d", ev.Header.PID, ev.Header.Discriminant, ev.Body, len(ev.Stack)),
	}); err != nil {
		log.Error().Err(err).Msg("failed to append kmem log record")
	}
}
