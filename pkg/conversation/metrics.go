package conversation

import (
	"sync"
	"time"
)

// TurnMetrics tracks latency for one conversation turn.
// Durations are measured from the moment the user turn ends.
type TurnMetrics struct {
	// Timestamps for key events
	SpeechEndTime    time.Time // When the user turn ended
	FirstAudioTime   time.Time // When the first audio reply arrived
	ResponseDoneTime time.Time // When the reply finished playing

	// Computed latencies (from speech end)
	FirstAudio   time.Duration
	TotalLatency time.Duration

	// Counts for this turn
	FramesSent int
	ToolCalls  int
}

// Metrics collects per-turn latency. It is safe for concurrent use.
type Metrics struct {
	mu      sync.Mutex
	current TurnMetrics
	history []TurnMetrics // Recent turns for averaging

	onUpdate func(TurnMetrics)
}

const metricsHistory = 100

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{history: make([]TurnMetrics, 0, metricsHistory)}
}

// OnUpdate sets a callback fired when a turn completes.
func (m *Metrics) OnUpdate(fn func(TurnMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// MarkSpeechEnd starts a new turn.
func (m *Metrics) MarkSpeechEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	frames := m.current.FramesSent
	m.current = TurnMetrics{SpeechEndTime: time.Now(), FramesSent: frames}
}

// MarkFirstAudio records the first audio reply of the turn.
func (m *Metrics) MarkFirstAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.FirstAudioTime.IsZero() {
		m.current.FirstAudioTime = time.Now()
		if !m.current.SpeechEndTime.IsZero() {
			m.current.FirstAudio = m.current.FirstAudioTime.Sub(m.current.SpeechEndTime)
		}
	}
}

// MarkResponseDone closes the turn and archives it.
func (m *Metrics) MarkResponseDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.ResponseDoneTime = time.Now()
	if !m.current.SpeechEndTime.IsZero() {
		m.current.TotalLatency = m.current.ResponseDoneTime.Sub(m.current.SpeechEndTime)
	}
	m.history = append(m.history, m.current)
	if len(m.history) > metricsHistory {
		m.history = m.history[1:]
	}
	if m.onUpdate != nil {
		turn := m.current
		go m.onUpdate(turn)
	}
	m.current = TurnMetrics{}
}

// IncrementFramesSent counts one frame sent to the transport.
func (m *Metrics) IncrementFramesSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.FramesSent++
}

// IncrementToolCalls counts one tool call in the current turn.
func (m *Metrics) IncrementToolCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.ToolCalls++
}

// Current returns the in-progress turn.
func (m *Metrics) Current() TurnMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Turns returns the number of archived turns.
func (m *Metrics) Turns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// Average returns average latencies over recent turns.
func (m *Metrics) Average() TurnMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return TurnMetrics{}
	}

	var avg TurnMetrics
	for _, h := range m.history {
		avg.FirstAudio += h.FirstAudio
		avg.TotalLatency += h.TotalLatency
	}
	n := time.Duration(len(m.history))
	avg.FirstAudio /= n
	avg.TotalLatency /= n
	return avg
}

// FormatLatency returns a formatted string of the turn latencies.
func (t TurnMetrics) FormatLatency() string {
	return formatDuration(t.FirstAudio) + " first audio | " +
		formatDuration(t.TotalLatency) + " total"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}
