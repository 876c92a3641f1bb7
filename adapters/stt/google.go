package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

// drainTimeout bounds how long an ended stream waits for its last results
const drainTimeout = 5 * time.Second

// GoogleSpeechToText implements SpeechToText for Google Cloud. One client
// is shared by every recognition stream it opens.
type GoogleSpeechToText struct {
	client *speech.Client
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText dials Google Cloud Speech using application default
// credentials
func NewGoogleSpeechToText(ctx context.Context, logger *zap.Logger) (*GoogleSpeechToText, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleSpeechToText{client: client, logger: logger}, nil
}

// Close releases the underlying gRPC connection
func (g *GoogleSpeechToText) Close() error {
	return g.client.Close()
}

// InitTranscribeStreaming opens a single-utterance recognition stream with
// interim results enabled
func (g *GoogleSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := g.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   encoding,
					SampleRateHertz:            int32(config.SampleRate),
					LanguageCode:               config.Language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults:  true,
				SingleUtterance: true,
			},
		},
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	return newRecognitionStream(streamCtx, cancel, stream, g.logger), nil
}

// recognitionStream adapts a StreamingRecognize call to SpeechToTextStreaming
type recognitionStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream speechpb.Speech_StreamingRecognizeClient
	logger *zap.Logger

	results chan repositories.Recognition

	sendMu  sync.Mutex
	endOnce sync.Once

	mu  sync.Mutex
	err error
}

func newRecognitionStream(ctx context.Context, cancel context.CancelFunc, stream speechpb.Speech_StreamingRecognizeClient, logger *zap.Logger) *recognitionStream {
	s := &recognitionStream{
		ctx:     ctx,
		cancel:  cancel,
		stream:  stream,
		logger:  logger,
		results: make(chan repositories.Recognition, 16),
	}
	go s.receive()
	return s
}

func (s *recognitionStream) Stream(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: data},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

func (s *recognitionStream) Results() <-chan repositories.Recognition {
	return s.results
}

func (s *recognitionStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// End half-closes the stream. Pending results are still delivered until
// the service finishes or drainTimeout passes.
func (s *recognitionStream) End() error {
	var err error
	s.endOnce.Do(func() {
		s.sendMu.Lock()
		err = s.stream.CloseSend()
		s.sendMu.Unlock()
		time.AfterFunc(drainTimeout, s.cancel)
	})
	if err != nil {
		return fmt.Errorf("failed to close send stream: %w", err)
	}
	return nil
}

func (s *recognitionStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *recognitionStream) receive() {
	defer s.cancel()
	defer close(s.results)

	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("failed to receive response: %w", err))
			}
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			s.fail(fmt.Errorf("speech recognition failed: code %d: %s", st.GetCode(), st.GetMessage()))
			return
		}

		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			if !s.publish(repositories.Recognition{Text: alts[0].GetTranscript(), Final: result.GetIsFinal()}) {
				return
			}
		}

		if resp.GetSpeechEventType() == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			s.logger.Debug("End of utterance detected")
			if !s.publish(repositories.Recognition{EndOfUtterance: true}) {
				return
			}
		}
	}
}

func (s *recognitionStream) publish(r repositories.Recognition) bool {
	select {
	case s.results <- r:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "", "WAV", "LINEAR16", "PCM16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported audio encoding: %s", encoding)
	}
}
