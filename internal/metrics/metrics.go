package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iris"

// Metrics holds the node collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	SessionsOpened    *prometheus.CounterVec
	SessionsClosed    *prometheus.CounterVec
	HandshakesDone    *prometheus.CounterVec
	HandshakeFailures *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	GossipDropped     *prometheus.CounterVec
	PeerDials         *prometheus.CounterVec
	LiveSessions      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		SessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions created, by direction.",
		}, []string{"direction"}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by cause.",
		}, []string{"cause"}),
		HandshakesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_completed_total",
			Help:      "Handshakes that reached Authenticated, by role.",
		}, []string{"role"}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Fatal protocol errors, by reason code.",
		}, []string{"code"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Decoded inbound messages, by type.",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages, by type.",
		}, []string{"type"}),
		GossipDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_dropped_total",
			Help:      "Gossip messages dropped as malformed or out of phase, by type.",
		}, []string{"type"}),
		PeerDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_dials_total",
			Help:      "Outbound dial attempts, by result.",
		}, []string{"result"}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Sessions currently in the node registry.",
		}),
	}
	m.reg.MustRegister(
		m.SessionsOpened, m.SessionsClosed, m.HandshakesDone, m.HandshakeFailures,
		m.MessagesReceived, m.MessagesSent, m.GossipDropped, m.PeerDials, m.LiveSessions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler exposes the registry for a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened(direction string) {
	if m == nil {
		return
	}
	m.SessionsOpened.WithLabelValues(direction).Inc()
	m.LiveSessions.Inc()
}

func (m *Metrics) SessionClosed(cause string) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(cause).Inc()
	m.LiveSessions.Dec()
}

func (m *Metrics) HandshakeCompleted(role string) {
	if m == nil {
		return
	}
	m.HandshakesDone.WithLabelValues(role).Inc()
}

func (m *Metrics) HandshakeFailed(code string) {
	if m == nil {
		return
	}
	m.HandshakeFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) Received(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Sent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) GossipDrop(msgType string) {
	if m == nil {
		return
	}
	m.GossipDropped.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Dial(result string) {
	if m == nil {
		return
	}
	m.PeerDials.WithLabelValues(result).Inc()
}

// Snapshot is a flat view of every sample, keyed by name{labels}.
type Snapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Values      map[string]float64 `json:"values"`
}

func (m *Metrics) Snapshot() (Snapshot, error) {
	snap := Snapshot{GeneratedAt: time.Now().UTC(), Values: make(map[string]float64)}
	if m == nil {
		return snap, nil
	}
	families, err := m.reg.Gather()
	if err != nil {
		return snap, err
	}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			key := fam.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				snap.Values[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				snap.Values[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return snap, nil
}

// WriteSnapshot stores Snapshot as JSON at path, replacing it atomically.
func (m *Metrics) WriteSnapshot(path string) error {
	snap, err := m.Snapshot()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
