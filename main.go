package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information set at build time.
var version = "dev"

// Constants.
const (
	maxRetries       = 5
	baseDelaySeconds = 1
	maxDelaySeconds  = 30
	backoffFactor    = 2.0
	httpReadTimeout  = 15 * time.Second
	httpWriteTimeout = 15 * time.Second
	httpIdleTimeout  = 60 * time.Second

	// Polling interval bounds in seconds. The cloud service throttles
	// clients that refresh faster than the minimum.
	defaultPollInterval = 300
	minPollInterval     = 30

	// Boolean string constants.
	trueString = "true"
)

type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

type PoolMonitor struct {
	lastRefresh time.Time
	client      *PoolClient
	bridge      *HABridge
	hub         *LiveHub
	controllers []Controller
	retryConfig RetryConfig
	debugMode   bool
}

func NewPoolMonitor(client *PoolClient, bridge *HABridge, hub *LiveHub, debugMode bool) *PoolMonitor {
	return &PoolMonitor{
		client: client,
		bridge: bridge,
		hub:    hub,
		retryConfig: RetryConfig{
			MaxRetries:    maxRetries,
			BaseDelay:     baseDelaySeconds * time.Second,
			MaxDelay:      maxDelaySeconds * time.Second,
			BackoffFactor: backoffFactor,
		},
		debugMode: debugMode,
	}
}

// LoginWithRetry attempts the initial login, backing off on connection
// failures. Bad credentials are not retried.
func (pm *PoolMonitor) LoginWithRetry(ctx context.Context) error {
	var lastErr error

	for attempt := 0; attempt <= pm.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := pm.calculateBackoffDelay(attempt)
			log.Printf("Login attempt %d/%d failed, retrying in %v: %v",
				attempt, pm.retryConfig.MaxRetries, delay, lastErr)

			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during retry delay: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		err := pm.client.Login(ctx)
		if err == nil {
			log.Printf("Logged in to Bayrol Pool Access (attempt %d/%d)",
				attempt+1, pm.retryConfig.MaxRetries+1)
			return nil
		}
		if errors.Is(err, ErrInvalidAuth) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed to log in after %d attempts: %w", pm.retryConfig.MaxRetries+1, lastErr)
}

func (pm *PoolMonitor) calculateBackoffDelay(attempt int) time.Duration {
	delay := float64(pm.retryConfig.BaseDelay) * math.Pow(pm.retryConfig.BackoffFactor, float64(attempt-1))
	if delay > float64(pm.retryConfig.MaxDelay) {
		delay = float64(pm.retryConfig.MaxDelay)
	}
	return time.Duration(delay)
}

// DiscoverControllers resolves the set of controllers to poll. When a CID is
// configured only that controller is polled; otherwise every controller on
// the account is.
func (pm *PoolMonitor) DiscoverControllers(ctx context.Context, cid string) error {
	controllers, err := pm.client.ListControllers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list controllers: %w", err)
	}
	if len(controllers) == 0 {
		return fmt.Errorf("no controllers found on this account")
	}

	if cid != "" {
		for _, ctrl := range controllers {
			if ctrl.CID == cid {
				pm.controllers = []Controller{ctrl}
				log.Printf("Polling controller %s (%s)", ctrl.Name, ctrl.CID)
				return nil
			}
		}
		return fmt.Errorf("controller %s not found on this account", cid)
	}

	pm.controllers = controllers
	for _, ctrl := range controllers {
		log.Printf("Discovered controller %s (%s)", ctrl.Name, ctrl.CID)
	}
	return nil
}

// ValidateSettingsAccess checks the settings password against each controller
// and records the outcome.
func (pm *PoolMonitor) ValidateSettingsAccess(ctx context.Context) {
	for _, ctrl := range pm.controllers {
		access, err := pm.client.ValidateSettingsCredential(ctx, ctrl.CID)
		if err != nil {
			log.Printf("Settings access check for %s failed: %v", ctrl.CID, err)
		} else {
			log.Printf("Settings access for %s: %s", ctrl.CID, access)
		}
		settingsAccessState.WithLabelValues(ctrl.CID).Set(float64(pm.client.SettingsAccessState()))
	}
}

// RefreshAll polls every controller once. It returns an error if any
// controller failed to refresh.
func (pm *PoolMonitor) RefreshAll(ctx context.Context) error {
	var lastErr error
	for _, ctrl := range pm.controllers {
		if err := pm.refreshOne(ctx, ctrl); err != nil {
			log.Printf("Failed to refresh controller %s: %v", ctrl.CID, err)
			lastErr = err
		}
	}
	return lastErr
}

func (pm *PoolMonitor) refreshOne(ctx context.Context, ctrl Controller) error {
	reading, err := pm.client.CurrentReading(ctx, ctrl.CID)
	if err != nil {
		if pm.bridge != nil {
			pm.bridge.PublishUnavailable(ctrl)
		}
		return err
	}

	updateMetrics(ctrl, reading)
	if pm.bridge != nil {
		pm.bridge.PublishReading(ctrl, reading)
	}
	pm.hub.Broadcast(ctrl, reading)

	if pm.debugMode {
		log.Printf("Controller %s: status=%s values=%v alarms=%v",
			ctrl.CID, reading.Status, reading.Values, reading.Alarms)
	}
	for _, diag := range reading.Diagnostics {
		log.Printf("Controller %s: %s", ctrl.CID, diag)
	}
	return nil
}

// StartPolling refreshes all controllers on the given interval until the
// context is canceled.
func (pm *PoolMonitor) StartPolling(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial refresh
	if err := pm.RefreshAll(ctx); err != nil {
		connectionFailure.Set(1)
	} else {
		pm.lastRefresh = time.Now()
		connectionFailure.Set(0)
		lastRefreshTimestamp.Set(float64(pm.lastRefresh.Unix()))
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("Polling stopped")
			return
		case <-ticker.C:
			if err := pm.RefreshAll(ctx); err != nil {
				connectionFailure.Set(1)
			} else {
				pm.lastRefresh = time.Now()
				connectionFailure.Set(0)
				lastRefreshTimestamp.Set(float64(pm.lastRefresh.Unix()))
			}
		}
	}
}

func createMetricsHandler(registry *prometheus.Registry, _ *PoolMonitor) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

type settingRequest struct {
	CID         string `json:"cid"`
	Topic       string `json:"topic"`
	Value       int    `json:"value"`
	OptionCount int    `json:"option_count"`
}

func (pm *PoolMonitor) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		pm.handleListSettings(w, r)
	case http.MethodPost:
		pm.handleSubmitSetting(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (pm *PoolMonitor) handleListSettings(w http.ResponseWriter, r *http.Request) {
	cid := r.URL.Query().Get("cid")
	if cid == "" {
		http.Error(w, "cid query parameter is required", http.StatusBadRequest)
		return
	}

	settings, err := pm.client.CurrentSettings(r.Context(), cid)
	if err != nil {
		http.Error(w, err.Error(), settingsErrorStatus(err))
		return
	}
	writeJSONResponse(w, settings)
}

func (pm *PoolMonitor) handleSubmitSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.CID == "" || req.Topic == "" {
		http.Error(w, "cid and topic are required", http.StatusBadRequest)
		return
	}

	err := pm.client.SubmitSetting(r.Context(), req.CID, req.Topic, req.Value, req.OptionCount)
	if err != nil {
		http.Error(w, err.Error(), settingsErrorStatus(err))
		return
	}
	writeJSONResponse(w, map[string]string{"result": "ok"})
}

func (pm *PoolMonitor) handleRetryAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CID string `json:"cid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CID == "" {
		http.Error(w, "cid is required", http.StatusBadRequest)
		return
	}

	access, err := pm.client.ValidateSettingsCredential(r.Context(), req.CID)
	if err != nil {
		http.Error(w, err.Error(), settingsErrorStatus(err))
		return
	}
	settingsAccessState.WithLabelValues(req.CID).Set(float64(access))
	writeJSONResponse(w, map[string]string{"access": access.String()})
}

func (pm *PoolMonitor) handleDebugRaw(w http.ResponseWriter, _ *http.Request) {
	page := pm.client.LastRawPage()
	if page == "" {
		http.Error(w, "no page captured yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(page)); err != nil {
		log.Printf("Failed to write debug page response: %v", err)
	}
}

func settingsErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrCannotConnect):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONResponse(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to write JSON response: %v", err)
	}
}

func setupHTTPEndpoints(registry *prometheus.Registry, monitor *PoolMonitor, httpPort string) {
	http.Handle("/metrics", createMetricsHandler(registry, monitor))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Printf("Failed to write health check response: %v", err)
		}
	})
	http.Handle("/live", monitor.hub)
	http.HandleFunc("/settings", monitor.handleSettings)
	http.HandleFunc("/settings/retry-access", monitor.handleRetryAccess)
	if monitor.debugMode {
		http.HandleFunc("/debug/raw", monitor.handleDebugRaw)
	}

	serverAddr := ":" + httpPort
	log.Printf("Starting Prometheus metrics server on %s", serverAddr)
	log.Printf("Metrics available at http://localhost:%s/metrics", httpPort)
	startServer(serverAddr)
}

func logStartupMessage(cfg *appConfig) {
	target := cfg.baseURL
	if target == "" {
		target = defaultBaseURL
	}
	log.Printf("Starting pool monitor for Bayrol Pool Access at %s", target)
	log.Printf("HTTP server will run on port %s", cfg.httpPort)
	log.Printf("Polling interval: %v", cfg.pollInterval)
	if cfg.settingsPassword != "" {
		log.Printf("Settings password configured, write access will be validated")
	}
	if cfg.mqttBroker != "" {
		log.Printf("MQTT publishing enabled (broker %s)", cfg.mqttBroker)
	}
	if cfg.debugMode {
		log.Printf("Enhanced debugging enabled")
	}
}

func main() {
	cfg := parseCommandLineFlags()
	logStartupMessage(cfg)

	registry := createPrometheusRegistry()
	client := NewPoolClient(cfg.baseURL, cfg.username, cfg.password, cfg.settingsPassword)
	client.SetDebugMode(cfg.debugMode)

	var bridge *HABridge
	if cfg.mqttBroker != "" {
		var err error
		bridge, err = NewHABridge(cfg.mqttBroker, cfg.mqttClientID, cfg.mqttUsername, cfg.mqttPassword, cfg.mqttPrefix)
		if err != nil {
			log.Fatalf("Failed to set up MQTT: %v", err)
		}
	}

	monitor := NewPoolMonitor(client, bridge, NewLiveHub(), cfg.debugMode)
	ctx := context.Background()

	if err := monitor.LoginWithRetry(ctx); err != nil {
		log.Fatalf("Failed to log in to Bayrol Pool Access: %v", err)
	}
	if err := monitor.DiscoverControllers(ctx, cfg.cid); err != nil {
		log.Fatalf("Controller discovery failed: %v", err)
	}
	monitor.ValidateSettingsAccess(ctx)

	if bridge != nil {
		defer bridge.Close(monitor.controllers)
	}

	go monitor.StartPolling(ctx, cfg.pollInterval)
	setupHTTPEndpoints(registry, monitor, cfg.httpPort)
}

func startServer(serverAddr string) {
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      nil,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
