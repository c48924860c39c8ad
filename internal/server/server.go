// Package server exposes the transcription engine over HTTP. Clients stream
// raw audio frames to a WebSocket endpoint and receive partial transcriptions
// as JSON; a finalize message closes the session and returns segmented
// captions as both cue data and serialized WebVTT.
package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulib-labs/clover-mark-plugin/internal/caption"
	"github.com/nulib-labs/clover-mark-plugin/internal/engine"
	"github.com/nulib-labs/clover-mark-plugin/internal/observe"
	"github.com/nulib-labs/clover-mark-plugin/pkg/asr"
	"github.com/nulib-labs/clover-mark-plugin/pkg/audio"
	"github.com/nulib-labs/clover-mark-plugin/pkg/iiif"
	"github.com/nulib-labs/clover-mark-plugin/pkg/webvtt"
)

// shutdownTimeout bounds graceful HTTP shutdown after ctx cancellation.
const shutdownTimeout = 10 * time.Second

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithMetrics overrides the metrics instruments used by the server and the
// sessions it spawns.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger overrides the base logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server handles streaming transcription sessions over WebSocket.
type Server struct {
	rec        asr.Recognizer
	engineCfg  engine.Config
	captionOpt caption.Options
	metrics    *observe.Metrics
	log        *slog.Logger
}

// New creates a Server that runs one engine session per WebSocket connection.
func New(rec asr.Recognizer, engineCfg engine.Config, captionOpt caption.Options, opts ...Option) *Server {
	s := &Server{
		rec:        rec,
		engineCfg:  engineCfg,
		captionOpt: captionOpt,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the HTTP handler tree: /stream for WebSocket sessions,
// /metrics for Prometheus scrapes and /healthz for liveness probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return observe.Middleware(s.metrics)(mux)
}

// Run serves the handler on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// ---- wire messages ----

// partialMessage is sent after each audio frame that produced a new
// transcription pass.
type partialMessage struct {
	Type       string  `json:"type"`
	FixedText  string  `json:"fixed_text"`
	ActiveText string  `json:"active_text"`
	Text       string  `json:"text"`
	Timestamp  float64 `json:"timestamp"`
	IsFinal    bool    `json:"is_final"`
}

// finalMessage answers a finalize request with the full transcript and the
// segmented captions.
type finalMessage struct {
	Type        string          `json:"type"`
	Text        string          `json:"text"`
	Cues        []webvtt.Cue    `json:"cues"`
	VTT         string          `json:"vtt"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// errorMessage reports a session-fatal failure before the connection closes.
type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ---- stream handler ----

// handleStream upgrades the request and runs one transcription session.
// Binary frames carry little-endian float32 samples; the text frame
// "finalize" ends the session and triggers caption segmentation. An optional
// ?canvas=<id> query parameter adds a IIIF annotation page to the final
// message.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	// Audio frames can be large for long emission intervals.
	conn.SetReadLimit(1 << 22)

	sessionID := uuid.NewString()
	log := s.log.With("session_id", sessionID)

	s.metrics.ActiveSessions.Add(r.Context(), 1)
	defer s.metrics.ActiveSessions.Add(r.Context(), -1)

	status, reason := s.runSession(r.Context(), conn, r.URL.Query().Get("canvas"), log)
	conn.Close(status, reason)
}

// runSession drives the read loop for one connection and returns the close
// status to send.
func (s *Server) runSession(ctx context.Context, conn *websocket.Conn, canvasID string, log *slog.Logger) (websocket.StatusCode, string) {
	acc := audio.NewAccumulator(s.engineCfg.SampleRate)
	sess, err := engine.NewSession(s.rec, s.engineCfg, engine.WithMetrics(s.metrics))
	if err != nil {
		s.writeError(ctx, conn, err)
		return websocket.StatusInternalError, "session setup failed"
	}

	log.Info("session started", "sample_rate", s.engineCfg.SampleRate)

	// Latest emission with the fullest word timeline. A finalize request that
	// arrives with no new audio hits the engine's unchanged-buffer skip path,
	// which reports locked words only, so the words from the last full pass
	// are kept around for segmentation.
	var last engine.PartialTranscription

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			// Client went away without finalizing.
			log.Info("session ended", "error", err)
			return websocket.StatusNormalClosure, ""
		}

		switch msgType {
		case websocket.MessageBinary:
			samples, err := decodeSamples(data)
			if err != nil {
				s.writeError(ctx, conn, err)
				return websocket.StatusInvalidFramePayloadData, "bad audio frame"
			}
			acc.Append(samples)

			partial, err := sess.TranscribeIncremental(ctx, acc.Samples())
			if err != nil {
				s.writeError(ctx, conn, err)
				return websocket.StatusInternalError, "transcription failed"
			}
			if len(partial.Words) >= len(last.Words) {
				last = partial
			}
			if err := s.writePartial(ctx, conn, partial); err != nil {
				log.Warn("write partial failed", "error", err)
				return websocket.StatusNormalClosure, ""
			}

		case websocket.MessageText:
			if string(data) != "finalize" {
				s.writeError(ctx, conn, fmt.Errorf("server: unknown command %q", data))
				return websocket.StatusInvalidFramePayloadData, "unknown command"
			}
			if err := s.finalize(ctx, conn, sess, acc, last, canvasID, log); err != nil {
				s.writeError(ctx, conn, err)
				return websocket.StatusInternalError, "finalize failed"
			}
			return websocket.StatusNormalClosure, "finalized"
		}
	}
}

// finalize runs the last transcription pass, segments the words into cues and
// sends the final message.
func (s *Server) finalize(ctx context.Context, conn *websocket.Conn, sess *engine.Session, acc *audio.Accumulator, last engine.PartialTranscription, canvasID string, log *slog.Logger) error {
	p, err := sess.TranscribeIncremental(ctx, acc.Samples())
	if err != nil {
		return err
	}
	text, words := p.Text(), p.Words
	if len(last.Words) > len(words) {
		text, words = last.Text(), last.Words
	}

	cues := caption.SegmentWords(words, s.captionOpt)
	msg := finalMessage{
		Type: "final",
		Text: text,
		Cues: cues,
		VTT:  webvtt.Serialize(cues),
	}
	if canvasID != "" {
		page := iiif.NewAnnotationPage(cues, canvasID, "")
		page.Label = iiif.LangMap("en", "Captions")
		data, err := page.Marshal()
		if err != nil {
			return err
		}
		msg.Annotations = data
	}

	log.Info("session finalized", "audio_seconds", acc.Duration(), "cues", len(cues))
	s.metrics.CuesEmitted.Add(ctx, int64(len(cues)))

	return writeJSON(ctx, conn, msg)
}

func (s *Server) writePartial(ctx context.Context, conn *websocket.Conn, p engine.PartialTranscription) error {
	return writeJSON(ctx, conn, partialMessage{
		Type:       "partial",
		FixedText:  p.FixedText,
		ActiveText: p.ActiveText,
		Text:       p.Text(),
		Timestamp:  p.Timestamp,
		IsFinal:    p.IsFinal,
	})
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, err error) {
	s.log.Error("session error", "error", err)
	_ = writeJSON(ctx, conn, errorMessage{Type: "error", Error: err.Error()})
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// decodeSamples interprets a binary frame as little-endian float32 samples.
func decodeSamples(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("server: audio frame length %d is not a multiple of 4", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, nil
}
