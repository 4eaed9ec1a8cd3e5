package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "adbot/pkg/logx"
)

// Metrics exposes the engine's prometheus instruments.
// A nil *Metrics is a valid no-op receiver so the engine can run unmetered.
type Metrics struct {
	registry *prometheus.Registry

	attempts *prometheus.CounterVec
	sends    *prometheus.CounterVec
	retries  prometheus.Counter

	runningCampaigns prometheus.Gauge
	eligibleAccounts prometheus.Gauge
	queueDepth       prometheus.Gauge

	srv *http.Server
	log logx.Logger
}

func New(log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adbot",
			Name:      "attempts_total",
			Help:      "Send attempts by outcome.",
		}, []string{"outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adbot",
			Name:      "sends_total",
			Help:      "Successful sends by account.",
		}, []string{"account"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adbot",
			Name:      "transient_retries_total",
			Help:      "Transient-error retries performed by dispatch workers.",
		}),
		runningCampaigns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "adbot",
			Name:      "running_campaigns",
			Help:      "Campaigns currently in the running state.",
		}),
		eligibleAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "adbot",
			Name:      "eligible_accounts",
			Help:      "Accounts currently eligible for rotation.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "adbot",
			Name:      "dispatch_queue_depth",
			Help:      "Jobs waiting for a dispatch worker.",
		}),
		log: log,
	}
	reg.MustRegister(m.attempts, m.sends, m.retries, m.runningCampaigns, m.eligibleAccounts, m.queueDepth)
	return m
}

func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSend(accountID string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(accountID).Inc()
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) SetRunningCampaigns(n int) {
	if m == nil {
		return
	}
	m.runningCampaigns.Set(float64(n))
}

func (m *Metrics) SetEligibleAccounts(n int) {
	if m == nil {
		return
	}
	m.eligibleAccounts.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) {
	if m == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.srv.Shutdown(sctx)
	}()
	go func() {
		m.log.Info("metrics listening", logx.String("addr", addr))
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("metrics server failed", logx.Err(err))
		}
	}()
}
