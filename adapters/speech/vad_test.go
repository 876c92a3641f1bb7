package speech

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 20ms of 16kHz PCM16
const frameBytes = 640

func loudFrame() []byte {
	pcm := make([]byte, frameBytes)
	for i := 0; i < frameBytes/2; i++ {
		v := int16(8000)
		if i%2 == 1 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
	}
	return pcm
}

func silentFrame() []byte {
	return make([]byte, frameBytes)
}

func testVADConfig() VADConfig {
	return VADConfig{
		Threshold:         0.02,
		SilenceTimeout:    100 * time.Millisecond,
		MinSpeechDuration: 40 * time.Millisecond,
		PreSpeechBuffer:   40 * time.Millisecond,
		SampleRate:        16000,
	}
}

func TestVADDetectsUtterance(t *testing.T) {
	v := NewVAD(testVADConfig())

	for i := 0; i < 3; i++ {
		ev, audio := v.Process(silentFrame())
		assert.Equal(t, VADNone, ev)
		assert.Nil(t, audio)
	}

	ev, audio := v.Process(loudFrame())
	require.Equal(t, VADSpeechStart, ev)
	// 40ms of lead-in plus the frame itself
	assert.Len(t, audio, 2*frameBytes+frameBytes)
	assert.True(t, v.Speaking())

	for i := 0; i < 3; i++ {
		ev, audio = v.Process(loudFrame())
		assert.Equal(t, VADNone, ev)
		assert.Len(t, audio, frameBytes)
	}

	for i := 0; i < 4; i++ {
		ev, audio = v.Process(silentFrame())
		assert.Equal(t, VADNone, ev, "frame %d", i)
		assert.Len(t, audio, frameBytes)
	}

	ev, audio = v.Process(silentFrame())
	assert.Equal(t, VADSpeechEnd, ev)
	assert.Len(t, audio, frameBytes)
	assert.False(t, v.Speaking())
}

func TestVADDiscardsClicks(t *testing.T) {
	v := NewVAD(testVADConfig())

	ev, _ := v.Process(loudFrame())
	require.Equal(t, VADSpeechStart, ev)

	var last VADEvent
	var audio []byte
	for i := 0; i < 5; i++ {
		last, audio = v.Process(silentFrame())
	}
	assert.Equal(t, VADSpeechEnd, last)
	assert.Nil(t, audio)
}

func TestRMS(t *testing.T) {
	assert.Zero(t, rms(nil))
	assert.Zero(t, rms(silentFrame()))
	assert.InDelta(t, 8000.0/32767.0, rms(loudFrame()), 1e-6)
}
