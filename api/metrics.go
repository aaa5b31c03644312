package api

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// streamMetrics accumulates one SSE connection's lifecycle counters and
// logs them when the stream closes. Frame counters are touched from the
// engine's emit path and the writer loop concurrently.
type streamMetrics struct {
	logger          *log.Logger
	start           time.Time
	authDuration    time.Duration
	connectDuration time.Duration
	framesSent      int64
	framesDropped   int64
	errorStage      string
}

func newStreamMetrics(logger *log.Logger) *streamMetrics {
	return &streamMetrics{logger: logger, start: time.Now()}
}

func (m *streamMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *streamMetrics) ObserveConnect(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.connectDuration = duration
}

func (m *streamMetrics) FrameSent() {
	atomic.AddInt64(&m.framesSent, 1)
}

func (m *streamMetrics) FrameDropped() {
	atomic.AddInt64(&m.framesDropped, 1)
}

func (m *streamMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *streamMetrics) Log(teamID, userID string) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":    "/collab/stream",
		"team":     teamID,
		"user":     userID,
		"total_ms": durationToMillis(time.Since(m.start)),
		"sent":     atomic.LoadInt64(&m.framesSent),
		"dropped":  atomic.LoadInt64(&m.framesDropped),
	}

	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.connectDuration > 0 {
		fields["connect_ms"] = durationToMillis(m.connectDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}

	m.logger.WithFields(fields).Info("stream.session.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
