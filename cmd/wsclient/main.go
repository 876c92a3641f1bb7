// Command wsclient streams a raw PCM16 mono file to the conversation
// server in real time and prints the session events it gets back.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/internal/api"
)

type options struct {
	server  string
	userID  string
	file    string
	out     string
	rate    int
	chunkMs int
	linger  time.Duration
	verbose bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "wsclient",
		Short: "Stream a PCM file to the voice conversation server",
		Long: `wsclient requests a development token, opens a conversation over the
websocket and streams a raw 16-bit little-endian mono PCM file at real-time
pace. Agent audio received back can be written to a file.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	rootCmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "Server base URL")
	rootCmd.Flags().StringVar(&opts.userID, "user", "wsclient", "User ID to request a token for")
	rootCmd.Flags().StringVarP(&opts.file, "file", "f", "", "Raw PCM16 mono file to stream")
	rootCmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write received agent audio to this file")
	rootCmd.Flags().IntVar(&opts.rate, "rate", 16000, "Sample rate of the input file")
	rootCmd.Flags().IntVar(&opts.chunkMs, "chunk-ms", 20, "Audio per websocket frame in milliseconds")
	rootCmd.Flags().DurationVar(&opts.linger, "linger", 10*time.Second, "How long to keep listening after the file is sent")
	rootCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log every event")
	rootCmd.MarkFlagRequired("file")

	return rootCmd
}

func run(ctx context.Context, opts *options) error {
	logger, _ := zap.NewProduction()
	if opts.verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	audio, err := os.ReadFile(opts.file)
	if err != nil {
		return fmt.Errorf("read audio file: %w", err)
	}

	token, err := requestToken(ctx, opts.server, opts.userID)
	if err != nil {
		return fmt.Errorf("request token: %w", err)
	}

	wsURL, err := websocketURL(opts.server, opts.rate)
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Add("Authorization", "Bearer "+token)

	logger.Info("Connecting", zap.String("url", wsURL))
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("dial: %w: %s", err, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	var sink io.Writer = io.Discard
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		sink = f
	}

	done := make(chan struct{})
	go readEvents(c, sink, logger, opts.verbose, done)

	if err := streamAudio(ctx, c, audio, opts.rate, opts.chunkMs, logger); err != nil {
		logger.Warn("Streaming stopped", zap.Error(err))
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	case <-time.After(opts.linger):
	}

	logger.Info("Ending conversation")
	if err := sendControl(c, domain.ControlEnd); err != nil {
		return err
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	return nil
}

func requestToken(ctx context.Context, server, userID string) (string, error) {
	body, err := json.Marshal(api.TokenRequest{UserID: userID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(data))
	}

	var tokenResp api.TokenResponse
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return "", err
	}
	return tokenResp.Token, nil
}

func websocketURL(server string, rate int) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(rate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// streamAudio sends the file in frames paced at real time
func streamAudio(ctx context.Context, c *websocket.Conn, audio []byte, rate, chunkMs int, logger *zap.Logger) error {
	chunkSize := rate * 2 * chunkMs / 1000
	if chunkSize <= 0 || chunkSize%2 != 0 {
		return fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	ticker := time.NewTicker(time.Duration(chunkMs) * time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	sent := 0
	for off := 0; off < len(audio); off += chunkSize {
		end := off + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		if err := c.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			return fmt.Errorf("send audio chunk: %w", err)
		}
		sent++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	logger.Info("Finished sending audio",
		zap.Int("chunks", sent),
		zap.Int("bytes", len(audio)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func readEvents(c *websocket.Conn, sink io.Writer, logger *zap.Logger, verbose bool, done chan<- struct{}) {
	defer close(done)
	audioBytes := 0

	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn("Connection closed", zap.Error(err))
			}
			logger.Info("Received agent audio", zap.Int("bytes", audioBytes))
			return
		}

		if messageType == websocket.BinaryMessage {
			audioBytes += len(data)
			if _, err := sink.Write(data); err != nil {
				logger.Warn("Failed to write agent audio", zap.Error(err))
			}
			continue
		}

		var msg domain.EventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Unreadable message", zap.Error(err))
			continue
		}
		logEvent(logger, msg, verbose)
	}
}

func logEvent(logger *zap.Logger, msg domain.EventMessage, verbose bool) {
	payload, _ := msg.Payload.(map[string]interface{})
	switch domain.EventType(msg.Type) {
	case domain.EventTranscript:
		if final, _ := payload["final"].(bool); final || verbose {
			logger.Info("You", zap.Any("text", payload["text"]), zap.Any("final", payload["final"]))
		}
	case domain.EventTurnCompleted:
		logger.Info("Agent", zap.Any("text", payload["text"]))
	case domain.EventAgentFragment:
		if verbose {
			logger.Debug("Fragment", zap.Any("payload", payload))
		}
	default:
		logger.Info("Event", zap.String("type", msg.Type), zap.String("sessionID", msg.SessionID), zap.Any("payload", msg.Payload))
	}
}

func sendControl(c *websocket.Conn, msgType string) error {
	data, err := json.Marshal(domain.ControlMessage{Type: msgType, Timestamp: time.Now().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}
