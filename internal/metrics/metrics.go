package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's collectors. All methods are safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	Connections     prometheus.Gauge
	OnlineUsers     prometheus.Gauge
	MessagesStored  prometheus.Counter
	MessagesRelayed *prometheus.CounterVec
	PresenceChanges *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "coursechat_ws_connections",
			Help: "Current number of open websocket connections",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "coursechat_online_users",
			Help: "Current number of users with at least one joined connection",
		}),
		MessagesStored: f.NewCounter(prometheus.CounterOpts{
			Name: "coursechat_messages_stored_total",
			Help: "Total number of chat messages persisted",
		}),
		MessagesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coursechat_messages_relayed_total",
			Help: "Total number of send-message relays by outcome",
		}, []string{"result"}),
		PresenceChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coursechat_presence_changes_total",
			Help: "Total number of presence transitions",
		}, []string{"state"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coursechat_http_request_duration_seconds",
			Help:    "REST request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) MessageStored() {
	if m == nil {
		return
	}
	m.MessagesStored.Inc()
}

// RelayResult records a relay outcome: "delivered", "offline" or "rejected"
func (m *Metrics) RelayResult(result string) {
	if m == nil {
		return
	}
	m.MessagesRelayed.WithLabelValues(result).Inc()
}

// PresenceChanged records a transition and the resulting online count
func (m *Metrics) PresenceChanged(online bool, onlineUsers int) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.PresenceChanges.WithLabelValues(state).Inc()
	m.OnlineUsers.Set(float64(onlineUsers))
}

// ObserveRequest records one REST request
func (m *Metrics) ObserveRequest(route, code string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, code).Observe(seconds)
}
