package audioio

// VADEvent is a transition reported by the SilenceDetector.
type VADEvent int

const (
	// VADNone means the buffer did not change the speech state.
	VADNone VADEvent = iota
	// VADSpeechStart means the user started speaking.
	VADSpeechStart
	// VADSilence means the user stopped speaking long enough to end the utterance.
	VADSilence
)

func (e VADEvent) String() string {
	switch e {
	case VADSpeechStart:
		return "speech_start"
	case VADSilence:
		return "silence"
	default:
		return "none"
	}
}

// SilenceDetector is an RMS energy detector with hysteresis. Silence is only
// reported after speech, so a quiet room never produces end-of-utterance
// signals on its own.
type SilenceDetector struct {
	cfg          SilenceConfig
	inSpeech     bool
	speechCount  int
	silenceCount int
}

// NewSilenceDetector creates a detector. Zero-valued fields take defaults.
func NewSilenceDetector(cfg SilenceConfig) *SilenceDetector {
	def := DefaultSilenceConfig()
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = def.SpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.SpeechBuffers <= 0 {
		cfg.SpeechBuffers = def.SpeechBuffers
	}
	if cfg.SilenceBuffers <= 0 {
		cfg.SilenceBuffers = def.SilenceBuffers
	}
	return &SilenceDetector{cfg: cfg}
}

// Process feeds one capture buffer and reports any state transition.
func (d *SilenceDetector) Process(pcm []int16) VADEvent {
	level := RMS(pcm)

	if d.inSpeech {
		if level < d.cfg.SilenceThreshold {
			d.silenceCount++
			if d.silenceCount >= d.cfg.SilenceBuffers {
				d.inSpeech = false
				d.silenceCount = 0
				return VADSilence
			}
		} else {
			d.silenceCount = 0
		}
		return VADNone
	}

	if level >= d.cfg.SpeechThreshold {
		d.speechCount++
		if d.speechCount >= d.cfg.SpeechBuffers {
			d.inSpeech = true
			d.speechCount = 0
			return VADSpeechStart
		}
	} else {
		d.speechCount = 0
	}
	return VADNone
}

// InSpeech reports whether the detector currently considers the user speaking.
func (d *SilenceDetector) InSpeech() bool {
	return d.inSpeech
}

// Reset clears internal state.
func (d *SilenceDetector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}
