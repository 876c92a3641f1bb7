package speech

import (
	"encoding/binary"
	"math"
	"time"
)

// VADConfig controls voice activity detection
type VADConfig struct {
	// Threshold is the RMS level (0..1 of full scale) counted as speech
	Threshold         float64
	SilenceTimeout    time.Duration
	MinSpeechDuration time.Duration
	PreSpeechBuffer   time.Duration
	SampleRate        int
}

// DefaultVADConfig returns defaults suited to close-talking microphones
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Threshold:         0.02,
		SilenceTimeout:    700 * time.Millisecond,
		MinSpeechDuration: 200 * time.Millisecond,
		PreSpeechBuffer:   300 * time.Millisecond,
		SampleRate:        16000,
	}
}

// VADEvent is what a processed frame changed
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
)

// VAD is an energy-based voice activity detector over PCM16 mono. Time is
// measured in audio, not wall clock, so results only depend on the input.
type VAD struct {
	cfg VADConfig

	speaking bool
	elapsed  time.Duration
	started  time.Duration
	lastLoud time.Duration

	preSpeech    []byte
	preSpeechLen int
}

// NewVAD creates a VAD with the given config
func NewVAD(cfg VADConfig) *VAD {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	preSpeechLen := int(cfg.PreSpeechBuffer.Seconds()*float64(cfg.SampleRate)) * 2
	return &VAD{
		cfg:          cfg,
		preSpeechLen: preSpeechLen,
		preSpeech:    make([]byte, 0, preSpeechLen),
	}
}

// Process feeds one frame and reports a speech boundary, if any. On
// VADSpeechStart the returned audio is the buffered lead-in followed by
// the frame itself.
func (v *VAD) Process(pcm []byte) (VADEvent, []byte) {
	v.elapsed += v.duration(pcm)

	if rms(pcm) >= v.cfg.Threshold {
		v.lastLoud = v.elapsed
		if v.speaking {
			return VADNone, pcm
		}
		v.speaking = true
		v.started = v.elapsed
		lead := append(v.preSpeech, pcm...)
		v.preSpeech = make([]byte, 0, v.preSpeechLen)
		return VADSpeechStart, lead
	}

	if !v.speaking {
		v.remember(pcm)
		return VADNone, nil
	}
	if v.elapsed-v.lastLoud < v.cfg.SilenceTimeout {
		return VADNone, pcm
	}
	v.speaking = false
	if v.lastLoud-v.started < v.cfg.MinSpeechDuration {
		// too short to be speech; treat it as a click
		return VADSpeechEnd, nil
	}
	return VADSpeechEnd, pcm
}

// Speaking reports whether the detector is inside an utterance
func (v *VAD) Speaking() bool {
	return v.speaking
}

// Reset forgets any utterance in progress
func (v *VAD) Reset() {
	v.speaking = false
	v.preSpeech = v.preSpeech[:0]
}

func (v *VAD) remember(pcm []byte) {
	v.preSpeech = append(v.preSpeech, pcm...)
	if excess := len(v.preSpeech) - v.preSpeechLen; excess > 0 {
		excess += excess % 2
		v.preSpeech = v.preSpeech[min(excess, len(v.preSpeech)):]
	}
}

func (v *VAD) duration(pcm []byte) time.Duration {
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(v.cfg.SampleRate)
}

// rms returns the root mean square of little-endian PCM16 samples,
// normalized to full scale
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / math.MaxInt16
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
