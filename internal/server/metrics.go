package server

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/Tyrowin/chatrelay/internal/hub"
)

// handleMetrics renders the hub counters in the Prometheus exposition format
// the scraper asked for.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	format := expfmt.Negotiate(r.Header)
	w.Header().Set("Content-Type", string(format))

	enc := expfmt.NewEncoder(w, format)
	for _, mf := range metricFamilies(s.hub.Stats()) {
		if err := enc.Encode(mf); err != nil {
			s.log.Warn("encode metrics", "family", mf.GetName(), "err", err)
			return
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		_ = closer.Close()
	}
}

func metricFamilies(st hub.Stats) []*dto.MetricFamily {
	return []*dto.MetricFamily{
		gauge("chatrelay_connections", "Open websocket connections.", float64(st.Connections)),
		counter("chatrelay_connects_total", "Websocket connections registered.", st.Connects),
		counter("chatrelay_disconnects_total", "Websocket connections unregistered.", st.Disconnects),
		counter("chatrelay_messages_persisted_total", "Messages saved to the store.", st.Persisted),
		counter("chatrelay_frames_delivered_total", "Broadcast frames queued on connections.", st.Delivered),
		counter("chatrelay_connections_evicted_total", "Connections removed after a failed delivery.", st.Evicted),
		counter("chatrelay_messages_invalid_total", "Inbound messages dropped by validation.", st.ValidationDrops),
		counter("chatrelay_messages_unsaved_total", "Inbound messages dropped because they could not be saved.", st.PersistenceDrops),
		counter("chatrelay_messages_throttled_total", "Inbound messages dropped by the per-connection rate limit.", st.ThrottleDrops),
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(float64(v))}}},
	}
}
