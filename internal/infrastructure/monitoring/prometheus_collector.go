package monitoring

import (
	"time"

	"stagelink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionsConnected prometheus.Gauge
	roomsActive       prometheus.Gauge
	producersActive   prometheus.Gauge
	joinsTotal        *prometheus.CounterVec
	joinsRejected     *prometheus.CounterVec

	signalMessages *prometheus.CounterVec

	engineOpDuration *prometheus.HistogramVec
	workerFailures   prometheus.Counter

	egressState    *prometheus.GaugeVec
	egressRestarts *prometheus.CounterVec

	roomSessions *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagelink_sessions_connected",
			Help: "Number of connected signaling sessions",
		}),

		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagelink_rooms_active",
			Help: "Number of rooms with a live media router",
		}),

		producersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagelink_producers_active",
			Help: "Number of live media producers",
		}),

		joinsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_joins_total",
			Help: "Room joins by role",
		}, []string{"role"}),

		joinsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_joins_rejected_total",
			Help: "Rejected room joins by reason",
		}, []string{"reason"}),

		signalMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_signal_messages_total",
			Help: "Signaling messages received by type",
		}, []string{"type"}),

		engineOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagelink_engine_op_duration_seconds",
			Help:    "Media engine operation latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"op"}),

		workerFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stagelink_engine_worker_failures_total",
			Help: "Engine worker failures",
		}),

		egressState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stagelink_egress_state",
			Help: "Egress pipeline state per room (1 for the active state)",
		}, []string{"room_id", "state"}),

		egressRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_egress_restarts_total",
			Help: "Egress pipeline restarts per room",
		}, []string{"room_id"}),

		roomSessions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stagelink_room_sessions",
			Help: "Sessions per room by role",
		}, []string{"room_id", "role"}),
	}
}

func (p *PrometheusCollector) RecordSessionJoined(roomID domain.RoomID, role domain.Role) {
	p.sessionsConnected.Inc()
	p.joinsTotal.WithLabelValues(string(role)).Inc()
	p.roomSessions.WithLabelValues(string(roomID), string(role)).Inc()
}

func (p *PrometheusCollector) RecordSessionLeft(roomID domain.RoomID, role domain.Role) {
	p.sessionsConnected.Dec()
	p.roomSessions.WithLabelValues(string(roomID), string(role)).Dec()
}

func (p *PrometheusCollector) RecordJoinRejected(reason string) {
	p.joinsRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ObserveSignalMessage(msgType string) {
	p.signalMessages.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) ObserveEngineOp(op string, duration time.Duration) {
	p.engineOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordWorkerFailure() {
	p.workerFailures.Inc()
}

func (p *PrometheusCollector) SetProducersActive(n int) {
	p.producersActive.Set(float64(n))
}

func (p *PrometheusCollector) SetRoomsActive(n int) {
	p.roomsActive.Set(float64(n))
}

// SetEgressState flips the state gauge so exactly one state label is set
// per room.
func (p *PrometheusCollector) SetEgressState(roomID domain.RoomID, state string) {
	for _, s := range []string{"idle", "starting", "running", "restarting", "stopping"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		p.egressState.WithLabelValues(string(roomID), s).Set(v)
	}
}

func (p *PrometheusCollector) RecordEgressRestart(roomID domain.RoomID) {
	p.egressRestarts.WithLabelValues(string(roomID)).Inc()
}

func (p *PrometheusCollector) ForgetRoom(roomID domain.RoomID) {
	for _, s := range []string{"idle", "starting", "running", "restarting", "stopping"} {
		p.egressState.DeleteLabelValues(string(roomID), s)
	}
	p.egressRestarts.DeleteLabelValues(string(roomID))
	for _, role := range []string{"streamer", "viewer", "participant"} {
		p.roomSessions.DeleteLabelValues(string(roomID), role)
	}
}
