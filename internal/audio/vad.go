package audio

import (
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Number of consecutive silence frames to mark as end of speech
	FrameSize       int     // Number of samples per frame
}

// DefaultVADConfig returns the configuration for 16kHz audio
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   40,  // 800ms of silence (40 frames * 20ms)
		FrameSize:       320, // 20ms at 16kHz
	}
}

// VADDetector performs energy-based Voice Activity Detection. The server
// engine uses it to emit speechstart/speechend, which the browser engine
// reports natively.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	pending        []int16
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame processes one frame and returns (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Process splits samples into frames, carrying any remainder over to the
// next call, and returns the speech boundary events they produce.
func (v *VADDetector) Process(samples []int16) []speech.EventType {
	v.pending = append(v.pending, samples...)

	var events []speech.EventType
	size := v.config.FrameSize
	for len(v.pending) >= size {
		_, started, ended := v.ProcessFrame(v.pending[:size])
		v.pending = v.pending[size:]
		if started {
			events = append(events, speech.EventSpeechStart)
		}
		if ended {
			events = append(events, speech.EventSpeechEnd)
		}
	}
	if len(v.pending) == 0 {
		v.pending = nil
	}
	return events
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.pending = nil
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
