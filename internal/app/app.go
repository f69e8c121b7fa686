package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"

	"echosos/beacon-node/internal/codec"
	"echosos/beacon-node/internal/config"
	"echosos/beacon-node/internal/dutycycle"
	"echosos/beacon-node/internal/geo"
	"echosos/beacon-node/internal/metrics"
	"echosos/beacon-node/internal/model"
	"echosos/beacon-node/internal/node"
	"echosos/beacon-node/internal/radio"
	"echosos/beacon-node/internal/store"
)

const settingPinpoint = "pinpoint"

// App wires together the beacon node, its journal and the local HTTP
// interface, and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	origin   uint64
	medium   radio.Medium
	node     *node.Node
	recorder *recorder
	metrics  *metrics.Metrics
	mdns     *zeroconf.Server
	ready    atomic.Bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.open(ctx); err != nil {
		a.close()
		return err
	}
	defer a.close()

	nodeCtx, stopNode := context.WithCancel(ctx)
	defer stopNode()
	nodeErrCh := make(chan error, 1)
	nodeDone := make(chan struct{})
	go func() {
		nodeErrCh <- a.node.Run(nodeCtx)
		close(nodeDone)
	}()

	recDone := make(chan struct{})
	go func() {
		a.recorder.run(nodeCtx)
		close(recDone)
	}()
	defer func() {
		stopNode()
		<-nodeDone
		<-recDone
	}()

	a.restoreSettings(ctx)
	go a.pruneLoop(nodeCtx)

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Node.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.Node.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Node.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.cfg.Node.MDNS {
		if err := a.startMDNS(a.cfg.Node.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement unavailable", "error", err)
		}
		defer a.stopMDNS()
	}

	a.ready.Store(true)
	shutdown := func() {
		a.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown", "error", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("metrics server shutdown", "error", err)
			}
		}
		a.logger.Info("http server stopped")
	}

	select {
	case <-ctx.Done():
		shutdown()
		return nil
	case err := <-httpErrCh:
		shutdown()
		return err
	case err := <-nodeErrCh:
		shutdown()
		if err != nil {
			return fmt.Errorf("beacon node: %w", err)
		}
		return nil
	}
}

// open prepares the store, medium and node without starting anything.
func (a *App) open(ctx context.Context) error {
	db, err := store.Open(a.cfg.Node.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db
	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}
	origin, err := a.store.Identity(ctx)
	if err != nil {
		return err
	}
	a.origin = origin

	c, err := codec.New(a.cfg.Mesh.Passphrase)
	if err != nil {
		return err
	}
	profile, err := a.cfg.Profile()
	if err != nil {
		return err
	}

	medium, err := a.openMedium(ctx)
	if err != nil {
		return err
	}
	a.medium = medium

	n, err := node.New(node.Config{
		Origin:    origin,
		HopBudget: uint8(a.cfg.Mesh.HopBudget),
		Relay:     a.cfg.Relay(),
		Profile:   profile,
		Schedule:  dutycycle.Options{SaverBelow: a.cfg.Schedule.SaverBelow, Jitter: a.cfg.Schedule.Jitter},
		Acoustic:  a.cfg.Acoustic,
		Battery:   a.cfg.Node.Battery,
	}, c, medium, a.logger.With("component", "node"))
	if err != nil {
		return err
	}
	a.metrics = metrics.New()
	a.recorder = newRecorder(a.store, a.logger.With("component", "journal"), 0)
	n.SetListener(a.recorder)
	n.SetSequencer(a.store)
	n.SetMetrics(a.metrics)
	a.node = n

	a.logger.Info("beacon node ready",
		"node", a.cfg.Node.Name,
		"origin", fmt.Sprintf("%016x", origin),
		"medium", a.cfg.Medium.Kind,
		"profile", profile.Name,
	)
	return nil
}

func (a *App) openMedium(ctx context.Context) (radio.Medium, error) {
	switch a.cfg.Medium.Kind {
	case config.MediumMQTT:
		return radio.DialMQTT(ctx, radio.MQTTConfig{
			Broker:   a.cfg.Medium.Broker,
			Node:     a.cfg.Node.Name,
			Presence: a.cfg.Medium.Presence,
			Horizon:  a.cfg.Mesh.PeerHorizon,
		}, a.logger)
	default:
		return radio.NewBus().Join(a.cfg.Node.Name, 64), nil
	}
}

func (a *App) close() {
	if a.medium != nil {
		if err := a.medium.Close(); err != nil {
			a.logger.Error("close radio medium", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
}

func (a *App) restoreSettings(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	settings, err := a.store.Settings(ctx)
	if err != nil {
		a.logger.Warn("failed to load persisted settings", "error", err)
		return
	}
	if on, err := strconv.ParseBool(settings[settingPinpoint]); err == nil && on {
		if _, err := a.node.SetPinpoint(ctx, true); err != nil {
			a.logger.Warn("failed to restore pinpoint mode", "error", err)
		}
	}
}

func (a *App) pruneLoop(ctx context.Context) {
	retention := a.cfg.Node.JournalRetention
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			n, err := a.store.Prune(pctx, now.Add(-retention))
			cancel()
			if err != nil {
				a.logger.Error("journal prune failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("journal pruned", "rows", n, "retention", retention)
			}
		}
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/alerts", a.handleRecentAlerts)
	mux.HandleFunc("/api/detections", a.handleRecentDetections)
	mux.HandleFunc("/api/journal", a.handleJournal)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/sos", a.handleRaiseSOS)
	mux.HandleFunc("/api/sos/cancel", a.handleCancelSOS)
	mux.HandleFunc("/api/pinpoint", a.handlePinpoint)
	mux.HandleFunc("/api/battery", a.handleBattery)
	mux.HandleFunc("/api/fix", a.handleFix)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.node == nil || !a.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st, err := a.node.Status(ctx)
	if err != nil {
		a.logger.Error("failed to read node status", "error", err)
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

func (a *App) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	var sinceOpt *time.Time
	if since := r.URL.Query().Get("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339Nano, since); err == nil {
			sinceOpt = &ts
		} else if ts, err := time.Parse(time.RFC3339, since); err == nil {
			sinceOpt = &ts
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	alerts, err := a.store.RecentPeerAlerts(ctx, queryLimit(r, 25, 250), sinceOpt)
	if err != nil {
		a.logger.Error("failed to load peer alerts", "error", err)
		http.Error(w, "failed to load alerts", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Alerts []model.PeerAlert `json:"alerts"`
	}{Alerts: alerts})
}

func (a *App) handleRecentDetections(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	detections, err := a.store.RecentDetections(ctx, queryLimit(r, 25, 250))
	if err != nil {
		a.logger.Error("failed to load detections", "error", err)
		http.Error(w, "failed to load detections", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Detections []model.Detection `json:"detections"`
	}{Detections: detections})
}

func (a *App) handleJournal(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := a.store.Journal(ctx, queryLimit(r, 50, 500))
	if err != nil {
		a.logger.Error("failed to load journal", "error", err)
		http.Error(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	failures, err := a.store.CountDecodeFailures(ctx)
	if err != nil {
		a.logger.Error("failed to count decode failures", "error", err)
		http.Error(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Entries        []model.JournalEntry `json:"entries"`
		DecodeFailures int64                `json:"decode_failures"`
	}{Entries: entries, DecodeFailures: failures})
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.Settings(ctx)
	if err != nil {
		a.logger.Error("failed to load settings", "error", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	active := map[string]any{
		"node":          a.cfg.Node.Name,
		"origin_id":     fmt.Sprintf("%016x", a.origin),
		"http_port":     a.cfg.Node.HTTPPort,
		"metrics_port":  a.cfg.Node.MetricsPort,
		"database_path": a.cfg.Node.DatabasePath,
		"log_level":     a.cfg.Node.LogLevel,
		"medium":        a.cfg.Medium.Kind,
		"hop_budget":    a.cfg.Mesh.HopBudget,
		"retention":     a.cfg.Mesh.Retention.String(),
		"profile":       a.cfg.Schedule.Profile,
		"saver_below":   a.cfg.Schedule.SaverBelow,
		"jitter":        a.cfg.Schedule.Jitter.String(),
		"sample_rate":   a.cfg.Acoustic.SampleRate,
	}
	a.writeJSON(w, http.StatusOK, struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{Active: active, Persisted: persisted})
}

func (a *App) handleRaiseSOS(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Emergency string `json:"emergency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	emergency, err := model.ParseEmergency(req.Emergency)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	alert, err := a.node.RaiseSOS(ctx, emergency)
	if err != nil {
		a.logger.Error("failed to raise sos", "error", err)
		http.Error(w, "failed to raise alert", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusCreated, alert)
}

func (a *App) handleCancelSOS(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	alert, err := a.node.CancelSOS(ctx)
	switch {
	case errors.Is(err, node.ErrNoActiveAlert):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		a.logger.Error("failed to cancel sos", "error", err)
		http.Error(w, "failed to cancel alert", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, alert)
}

func (a *App) handlePinpoint(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		http.Error(w, "enabled is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	profile, err := a.node.SetPinpoint(ctx, *req.Enabled)
	if err != nil {
		a.logger.Error("failed to set pinpoint mode", "error", err)
		http.Error(w, "failed to set pinpoint mode", http.StatusInternalServerError)
		return
	}
	if err := a.store.SetSetting(ctx, settingPinpoint, strconv.FormatBool(*req.Enabled)); err != nil {
		a.logger.Warn("failed to persist pinpoint mode", "error", err)
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"pinpoint": *req.Enabled, "profile": profile})
}

func (a *App) handleBattery(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Level *float64 `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Level == nil {
		http.Error(w, "level is required", http.StatusBadRequest)
		return
	}
	if *req.Level < 0 || *req.Level > 1 {
		http.Error(w, "level must be between 0 and 1", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	profile, err := a.node.SetBattery(ctx, *req.Level)
	if err != nil {
		a.logger.Error("failed to record battery level", "error", err)
		http.Error(w, "failed to record battery level", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"battery": *req.Level, "profile": profile})
}

func (a *App) handleFix(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Lat       float64 `json:"lat"`
		Lon       float64 `json:"lon"`
		Quality   string  `json:"quality"`
		Available *bool   `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	fix := geo.Fix{Lat: req.Lat, Lon: req.Lon, Available: req.Available == nil || *req.Available}
	switch strings.ToLower(strings.TrimSpace(req.Quality)) {
	case "", "3d":
		fix.Quality = geo.Quality3D
	case "2d":
		fix.Quality = geo.Quality2D
	case "none":
		fix.Quality = geo.QualityNone
	default:
		http.Error(w, "quality must be none, 2d or 3d", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code, err := a.node.UpdateFix(ctx, fix)
	if err != nil {
		a.logger.Error("failed to update fix", "error", err)
		http.Error(w, "failed to update fix", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"fix": code, "has_fix": code.HasFix()})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func queryLimit(r *http.Request, def, ceiling int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= ceiling {
			return parsed
		}
	}
	return def
}
