package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

const liveInstruction = "You are the voice of a code review assistant. " +
	"When you receive text, read it aloud exactly as written, without adding or changing anything. " +
	"Never answer what the user says; stay silent instead."

// liveSession is the part of *genai.Session the channel uses
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type liveDialer func(ctx context.Context, cfg repositories.AudioConfig) (liveSession, error)

// GeminiLiveConfig selects the Live model and voice
type GeminiLiveConfig struct {
	APIKey string
	Model  string
	Voice  string
}

// GeminiLive is an AudioChannel over a Gemini Live session. The session
// transcribes caller audio and speaks the agent's text; utterance
// boundaries come from a local VAD and are signalled to the service as
// activity start and end.
type GeminiLive struct {
	dial   liveDialer
	vadCfg VADConfig
	logger *zap.Logger

	mu     sync.Mutex
	conn   atomic.Pointer[liveConn]
	closed bool
}

// liveTurn is what a pending server turn answers: caller audio, whose
// reply is discarded, or text we asked to be spoken
type liveTurn int

const (
	turnCaller liveTurn = iota
	turnSpeak
)

type liveConn struct {
	cfg     repositories.AudioConfig
	session liveSession
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan repositories.AudioEvent
	vad     *VAD
	done    chan struct{}

	sendMu sync.Mutex

	evMu     sync.RWMutex
	evClosed bool

	// owned by the receive loop, except turns which Play appends to
	mu         sync.Mutex
	turns      []liveTurn
	transcript strings.Builder
	awaiting   bool
}

var _ repositories.AudioChannel = (*GeminiLive)(nil)

// NewGeminiLive creates a channel that opens Live sessions through client
func NewGeminiLive(client *genai.Client, cfg GeminiLiveConfig, vadCfg VADConfig, logger *zap.Logger) *GeminiLive {
	dial := func(ctx context.Context, audio repositories.AudioConfig) (liveSession, error) {
		return client.Live.Connect(ctx, cfg.Model, &genai.LiveConnectConfig{
			ResponseModalities: []genai.Modality{genai.ModalityAudio},
			SpeechConfig: &genai.SpeechConfig{
				LanguageCode: audio.Language,
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
				},
			},
			SystemInstruction:       genai.NewContentFromText(liveInstruction, genai.RoleUser),
			InputAudioTranscription: &genai.AudioTranscriptionConfig{},
			RealtimeInputConfig: &genai.RealtimeInputConfig{
				AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: true},
			},
		})
	}
	return newGeminiLive(dial, vadCfg, logger)
}

func newGeminiLive(dial liveDialer, vadCfg VADConfig, logger *zap.Logger) *GeminiLive {
	return &GeminiLive{dial: dial, vadCfg: vadCfg, logger: logger}
}

func (g *GeminiLive) Connect(ctx context.Context, cfg repositories.AudioConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors.New("audio channel closed")
	}
	g.teardownLocked()

	connCtx, cancel := context.WithCancel(context.Background())
	session, err := g.dial(ctx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect to gemini live: %w", err)
	}

	vadCfg := g.vadCfg
	vadCfg.SampleRate = cfg.SampleRate
	conn := &liveConn{
		cfg:     cfg,
		session: session,
		ctx:     connCtx,
		cancel:  cancel,
		events:  make(chan repositories.AudioEvent, eventBuffer),
		vad:     NewVAD(vadCfg),
		done:    make(chan struct{}),
	}
	g.conn.Store(conn)
	go g.receive(conn)
	g.logger.Debug("Gemini Live session connected")
	return nil
}

// SendFrame streams speech to the session, bracketed by activity markers
func (g *GeminiLive) SendFrame(ctx context.Context, pcm []byte, sampleRate int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn := g.conn.Load()
	if conn == nil {
		return errNotConnected
	}

	event, speech := conn.vad.Process(pcm)
	if event == VADSpeechStart {
		if err := conn.realtime(genai.LiveRealtimeInput{ActivityStart: &genai.ActivityStart{}}); err != nil {
			return err
		}
		conn.mu.Lock()
		conn.transcript.Reset()
		conn.mu.Unlock()
		conn.emit(ctx, repositories.AudioEvent{Type: repositories.AudioEventSpeechStart, At: time.Now()})
	}

	if len(speech) > 0 {
		blob := &genai.Blob{Data: speech, MIMEType: fmt.Sprintf("audio/pcm;rate=%d", sampleRate)}
		if err := conn.realtime(genai.LiveRealtimeInput{Audio: blob}); err != nil {
			return err
		}
	}

	if event == VADSpeechEnd {
		conn.mu.Lock()
		conn.turns = append(conn.turns, turnCaller)
		conn.awaiting = true
		conn.mu.Unlock()
		if err := conn.realtime(genai.LiveRealtimeInput{ActivityEnd: &genai.ActivityEnd{}}); err != nil {
			return err
		}
	}
	return nil
}

// Play asks the session to speak frame.Text. The audio arrives later as
// audioFragment events. Ready PCM is passed straight through.
func (g *GeminiLive) Play(ctx context.Context, frame repositories.OutboundFrame) error {
	conn := g.conn.Load()
	if conn == nil {
		return errNotConnected
	}
	if len(frame.PCM) > 0 {
		g.offer(conn, repositories.AudioEvent{
			Type:       repositories.AudioEventAudioFragment,
			Audio:      frame.PCM,
			SampleRate: frame.SampleRate,
			At:         time.Now(),
		})
		return nil
	}
	if strings.TrimSpace(frame.Text) == "" {
		return nil
	}

	conn.mu.Lock()
	conn.turns = append(conn.turns, turnSpeak)
	conn.mu.Unlock()

	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	err := conn.session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(frame.Text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
	if err != nil {
		return fmt.Errorf("failed to send text to gemini live: %w", err)
	}
	return nil
}

func (g *GeminiLive) Events() <-chan repositories.AudioEvent {
	if conn := g.conn.Load(); conn != nil {
		return conn.events
	}
	return nil
}

func (g *GeminiLive) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.teardownLocked()
	return nil
}

func (g *GeminiLive) teardownLocked() {
	conn := g.conn.Swap(nil)
	if conn == nil {
		return
	}
	conn.cancel()
	if err := conn.session.Close(); err != nil {
		g.logger.Warn("Failed to close gemini live session", zap.Error(err))
	}
	<-conn.done
}

// receive translates server messages until the session ends, then closes
// the event channel
func (g *GeminiLive) receive(conn *liveConn) {
	defer func() {
		conn.cancel()
		conn.evMu.Lock()
		conn.evClosed = true
		close(conn.events)
		conn.evMu.Unlock()
		close(conn.done)
	}()

	for {
		msg, err := conn.session.Receive()
		if err != nil {
			if conn.ctx.Err() == nil {
				conn.emit(conn.ctx, repositories.AudioEvent{Type: repositories.AudioEventError, Err: err, At: time.Now()})
			}
			return
		}
		if content := msg.ServerContent; content != nil {
			conn.handleContent(content)
		}
	}
}

func (conn *liveConn) handleContent(content *genai.LiveServerContent) {
	if t := content.InputTranscription; t != nil && t.Text != "" {
		conn.mu.Lock()
		conn.transcript.WriteString(t.Text)
		conn.mu.Unlock()
		conn.emit(conn.ctx, repositories.AudioEvent{Type: repositories.AudioEventTranscript, Text: t.Text, At: time.Now()})
	}

	head, ok := conn.head()
	if ok && head == turnCaller && (content.ModelTurn != nil || content.TurnComplete || content.Interrupted) {
		// the service started answering, so the caller's input is complete
		conn.finishUtterance()
	}

	if content.ModelTurn != nil && ok && head == turnSpeak {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			conn.emit(conn.ctx, repositories.AudioEvent{
				Type:       repositories.AudioEventAudioFragment,
				Audio:      part.InlineData.Data,
				SampleRate: conn.cfg.OutputSampleRate,
				At:         time.Now(),
			})
		}
	}

	if content.TurnComplete || content.Interrupted {
		conn.pop()
	}
}

func (conn *liveConn) finishUtterance() {
	conn.mu.Lock()
	if !conn.awaiting {
		conn.mu.Unlock()
		return
	}
	conn.awaiting = false
	text := strings.TrimSpace(conn.transcript.String())
	conn.transcript.Reset()
	conn.mu.Unlock()

	if text != "" {
		conn.emit(conn.ctx, repositories.AudioEvent{Type: repositories.AudioEventTranscript, Text: text, Final: true, At: time.Now()})
	}
	conn.emit(conn.ctx, repositories.AudioEvent{Type: repositories.AudioEventSpeechEnd, Text: text, At: time.Now()})
}

func (conn *liveConn) head() (liveTurn, bool) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.turns) == 0 {
		return 0, false
	}
	return conn.turns[0], true
}

func (conn *liveConn) pop() {
	conn.mu.Lock()
	if len(conn.turns) > 0 {
		conn.turns = conn.turns[1:]
	}
	conn.mu.Unlock()
}

func (conn *liveConn) realtime(input genai.LiveRealtimeInput) error {
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	if err := conn.session.SendRealtimeInput(input); err != nil {
		return fmt.Errorf("failed to send realtime input: %w", err)
	}
	return nil
}

// emit waits for the reader unless ctx or the connection ends first
func (conn *liveConn) emit(ctx context.Context, ev repositories.AudioEvent) {
	conn.evMu.RLock()
	defer conn.evMu.RUnlock()
	if conn.evClosed {
		return
	}
	select {
	case conn.events <- ev:
	case <-conn.ctx.Done():
	case <-ctx.Done():
	}
}

// offer delivers without waiting; playback must never block on the reader
func (g *GeminiLive) offer(conn *liveConn, ev repositories.AudioEvent) {
	conn.evMu.RLock()
	defer conn.evMu.RUnlock()
	if conn.evClosed || conn.ctx.Err() != nil {
		return
	}
	select {
	case conn.events <- ev:
	default:
		g.logger.Warn("Audio event buffer full, dropping audio", zap.Int("bytes", len(ev.Audio)))
	}
}

// GeminiLiveFactory opens one Live-backed channel per session over a shared
// client
type GeminiLiveFactory struct {
	client *genai.Client
	cfg    GeminiLiveConfig
	vadCfg VADConfig
	logger *zap.Logger
}

// NewGeminiLiveFactory creates the Gemini API client used by every session
func NewGeminiLiveFactory(ctx context.Context, cfg GeminiLiveConfig, vadCfg VADConfig, logger *zap.Logger) (*GeminiLiveFactory, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiLiveFactory{client: client, cfg: cfg, vadCfg: vadCfg, logger: logger}, nil
}

func (f *GeminiLiveFactory) NewAudioChannel(sessionID string) (repositories.AudioChannel, error) {
	return NewGeminiLive(f.client, f.cfg, f.vadCfg, f.logger.With(zap.String("sessionID", sessionID))), nil
}
