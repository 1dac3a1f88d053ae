package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/xoauth2-probe/internal/oauth"
	"github.com/grafana/xoauth2-probe/internal/smtpprobe"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const metricsNamespace = "xoauth2_probe"

// probe phases, used as the phase label
const (
	phaseToken   = "token"
	phaseProfile = "profile"
	phaseSMTP    = "smtp"
)

type probeMetrics struct {
	reg *prometheus.Registry

	success       prometheus.Gauge
	lastSuccess   prometheus.Gauge
	phaseDuration *prometheus.GaugeVec
	errors        *prometheus.CounterVec
	devicePolls   *prometheus.CounterVec
	messageSize   prometheus.Gauge
}

func newProbeMetrics() *probeMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(versioncollector.NewCollector(metricsNamespace))

	f := promauto.With(reg)

	return &probeMetrics{
		reg: reg,

		success: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "success",
			Help:      "1 if the last probe delivered its message, 0 otherwise",
		}),

		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "unix time of the last successful probe",
		}),

		phaseDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "phase_duration_seconds",
			Help:      "duration of each probe phase",
		}, []string{"phase"}),

		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "count of failed probe phases",
		}, []string{"phase", "kind", "code"}),

		devicePolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "device_polls_total",
			Help:      "count of device-code token polls by outcome",
		}, []string{"outcome"}),

		messageSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "message_bytes",
			Help:      "size of the probe message written to the server",
		}),
	}
}

// observePhase records how long a phase took, and its error if any.
func (m *probeMetrics) observePhase(phase string, start time.Time, err error) {
	m.phaseDuration.WithLabelValues(phase).Set(time.Since(start).Seconds())

	if err != nil {
		kind, code := errorLabels(err)
		m.errors.WithLabelValues(phase, kind, code).Inc()
	}
}

func (m *probeMetrics) observePoll(outcome string) {
	m.devicePolls.WithLabelValues(outcome).Inc()
}

func (m *probeMetrics) observeResult(receipt *smtpprobe.Receipt, now time.Time) {
	if receipt == nil {
		m.success.Set(0)
		return
	}

	m.success.Set(1)
	m.lastSuccess.Set(float64(now.Unix()))
	m.messageSize.Set(float64(receipt.Size))
}

// errorLabels returns the kind and code labels for a probe error.
func errorLabels(err error) (kind, code string) {
	var ae *oauth.AuthError
	var se *smtpprobe.Error

	switch {
	case errors.As(err, &ae):
		return labelValue(ae.Kind.String()), ae.Code
	case errors.As(err, &se):
		if se.Code != 0 {
			code = strconv.Itoa(se.Code)
		}
		return labelValue(se.Kind.String()), code
	default:
		return "other", ""
	}
}

func labelValue(s string) string {
	return strings.ReplaceAll(s, " ", "_")
}

// pushMetrics sends the registry to a Pushgateway, grouped by grant type.
func pushMetrics(ctx context.Context, client *http.Client, url string, m *probeMetrics, grantType oauth.GrantType) error {
	err := push.New(url, metricsNamespace).
		Client(client).
		Gatherer(m.reg).
		Grouping("grant_type", grantType.String()).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}

	return nil
}
