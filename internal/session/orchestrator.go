package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speculo/internal/observe"
	"github.com/MrWong99/speculo/internal/rag"
	"github.com/MrWong99/speculo/internal/speculative"
	"github.com/MrWong99/speculo/pkg/provider/stt"
	"github.com/MrWong99/speculo/pkg/provider/tts"
)

// Defaults for [Config].
const (
	DefaultFallbackAnswer = "I couldn't find that information in the manual."
	DefaultStageTimeout   = 10 * time.Second
)

// DefaultFillers are the acknowledgement phrases picked from at random.
var DefaultFillers = []string{
	"Let me check the manual for that.",
	"One moment, looking that up.",
	"Checking the specifications.",
	"Let me find the details on that.",
	"Searching the documentation.",
	"Just a second, retrieving that info.",
}

// finalQueue bounds finals waiting for the finalize worker.
const finalQueue = 8

// Degradation reasons recorded on the degraded responses counter.
const (
	degradedRetrieval  = "retrieval"
	degradedNoPassages = "no_passages"
	degradedSynthesis  = "synthesis"
)

// Engine is the per-session speculation engine. [*speculative.Engine]
// implements it.
type Engine interface {
	Speculate(text string) bool
	GetFinalResult(ctx context.Context, text string) (speculative.AnswerResult, error)
	Close()
}

// EngineFactory builds a fresh engine for each session.
type EngineFactory func() (Engine, error)

// Config tunes an [Orchestrator].
type Config struct {
	// Fillers is the acknowledgement pool. Default: [DefaultFillers].
	Fillers []string

	// FallbackAnswer is spoken when no passage is available.
	FallbackAnswer string

	// StageTimeout bounds answer retrieval, formatting, and synthesis
	// individually. Negative disables it.
	StageTimeout time.Duration

	// StreamAudio sends each synthesized chunk as its own binary message.
	StreamAudio bool

	// Stream describes the inbound audio to the recogniser.
	Stream stt.StreamConfig
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithConfig sets the orchestrator configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the base logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(sessionID string, s State)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// Orchestrator runs voice sessions. One Orchestrator serves any number of
// concurrent sessions; each [Orchestrator.Run] call is independent.
type Orchestrator struct {
	recogniser stt.Provider
	newEngine  EngineFactory
	formatter  rag.Formatter
	tts        tts.Provider

	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger
	observer func(string, State)
}

// New returns an Orchestrator.
func New(recogniser stt.Provider, newEngine EngineFactory, formatter rag.Formatter, synth tts.Provider, opts ...Option) (*Orchestrator, error) {
	if recogniser == nil || newEngine == nil || formatter == nil || synth == nil {
		return nil, errors.New("session: recogniser, engine factory, formatter and synthesizer are required")
	}
	o := &Orchestrator{
		recogniser: recogniser,
		newEngine:  newEngine,
		formatter:  formatter,
		tts:        synth,
	}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.cfg.Fillers) == 0 {
		o.cfg.Fillers = DefaultFillers
	}
	if o.cfg.FallbackAnswer == "" {
		o.cfg.FallbackAnswer = DefaultFallbackAnswer
	}
	if o.cfg.StageTimeout == 0 {
		o.cfg.StageTimeout = DefaultStageTimeout
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o, nil
}

// Run serves conn under a fresh session ID until the client disconnects, the
// recogniser stream ends, or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, conn Conn) error {
	return o.RunSession(ctx, uuid.NewString(), conn)
}

// RunSession is [Orchestrator.Run] with a caller-chosen session ID. A normal
// end (client close or recogniser hang-up) returns nil.
func (o *Orchestrator) RunSession(ctx context.Context, id string, conn Conn) error {
	s := &session{
		id:   id,
		o:    o,
		conn: conn,
		log:  o.log.With("session_id", id),
	}
	s.setState(StateIdle)
	defer s.setState(StateClosed)

	handle, err := o.recogniser.StartStream(ctx, o.cfg.Stream)
	if err != nil {
		return fmt.Errorf("session: start recogniser: %w", err)
	}
	defer func() {
		if err := handle.Close(); err != nil {
			s.log.Debug("session: close recogniser", "err", err)
		}
	}()
	s.handle = handle

	eng, err := o.newEngine()
	if err != nil {
		return fmt.Errorf("session: create engine: %w", err)
	}
	defer eng.Close()
	s.eng = eng

	o.metrics.ActiveSessions.Add(ctx, 1)
	defer o.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	s.setState(StateAwaitingAudio)
	s.log.Info("session: started")

	err = s.run(ctx)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, ErrTranscriptsClosed):
		s.log.Info("session: ended")
		return nil
	default:
		s.log.Info("session: ended", "reason", err)
		return err
	}
}

type session struct {
	id     string
	o      *Orchestrator
	conn   Conn
	handle stt.SessionHandle
	eng    Engine
	log    *slog.Logger
	state  State
}

func (s *session) setState(st State) {
	s.state = st
	if s.o.observer != nil {
		s.o.observer(s.id, st)
	}
}

func (s *session) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Unblocks SendAudio once the session is ending.
	stop := context.AfterFunc(gctx, func() { _ = s.handle.Close() })
	defer stop()

	finals := make(chan string, finalQueue)
	g.Go(func() error { return s.forwardAudio(gctx) })
	g.Go(func() error { return s.handleTranscripts(gctx, finals) })
	g.Go(func() error { return s.finalizeLoop(gctx, finals) })
	return g.Wait()
}

// forwardAudio is the only caller of state transitions after start-up, so
// state needs no lock.
func (s *session) forwardAudio(ctx context.Context) error {
	for {
		chunk, err := s.conn.ReadAudio(ctx)
		if err != nil {
			return fmt.Errorf("session: read audio: %w", err)
		}
		if len(chunk) == 0 {
			continue
		}
		if err := s.handle.SendAudio(chunk); err != nil {
			if errors.Is(err, stt.ErrSessionClosed) {
				// The transcript side ends the session once pending finals
				// are answered.
				<-ctx.Done()
				return nil
			}
			return fmt.Errorf("session: forward audio: %w", err)
		}
		if s.state == StateAwaitingAudio {
			s.setState(StateSessionActive)
		}
	}
}

// handleTranscripts routes partials to the engine and finals to the finalize
// worker. Finals that do not fit the queue wait in pending so that partials
// keep flowing while an answer is being prepared.
func (s *session) handleTranscripts(ctx context.Context, finals chan<- string) error {
	defer close(finals)
	transcripts := s.handle.Transcripts()
	var pending []string
	for transcripts != nil || len(pending) > 0 {
		var out chan<- string
		var next string
		if len(pending) > 0 {
			out, next = finals, pending[0]
		}
		select {
		case <-ctx.Done():
			return nil
		case out <- next:
			pending = pending[1:]
		case t, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			if strings.TrimSpace(t.Text) == "" {
				continue
			}
			if !t.IsFinal {
				s.eng.Speculate(t.Text)
				continue
			}
			pending = append(pending, t.Text)
		}
	}
	return nil
}

func (s *session) finalizeLoop(ctx context.Context, finals <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text, ok := <-finals:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrTranscriptsClosed
			}
			if err := s.finalize(ctx, text); err != nil {
				return err
			}
		}
	}
}

// finalize answers one final transcript. Only transport errors are returned;
// collaborator failures degrade the answer instead.
func (s *session) finalize(ctx context.Context, text string) error {
	o := s.o
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "session.finalize")
	defer span.End()
	log := s.log.With("text", text)

	filler := o.cfg.Fillers[rand.IntN(len(o.cfg.Fillers))]
	if err := s.conn.WriteJSON(ctx, FillerMessage{Type: TypeFiller, Text: filler}); err != nil {
		return fmt.Errorf("session: send filler: %w", err)
	}

	res, err := s.answer(ctx, text)
	if err != nil {
		log.Warn("session: retrieval failed, answering with fallback", "err", err)
		o.metrics.RecordDegraded(ctx, degradedRetrieval)
		res = speculative.AnswerResult{Rewritten: text}
	}
	if res.Passages == nil {
		res.Passages = []string{}
	}

	answer := o.cfg.FallbackAnswer
	if len(res.Passages) > 0 {
		answer = res.Passages[0]
	} else if err == nil {
		o.metrics.RecordDegraded(ctx, degradedNoPassages)
	}
	spoken := s.format(ctx, answer)

	msg := FinalResultMessage{
		Type:       TypeFinalResult,
		Text:       text,
		RAG:        RAGResult{Rewritten: res.Rewritten, Results: res.Passages},
		SpokenText: spoken,
	}

	if o.cfg.StreamAudio {
		err = s.sendStreamed(ctx, msg, log)
	} else {
		err = s.sendBuffered(ctx, msg, log)
	}
	if err != nil {
		return err
	}
	o.metrics.FinalizeDuration.Record(ctx, time.Since(start).Seconds())
	log.Debug("session: final answered", "cached", res.Cached, "passages", len(res.Passages))
	return nil
}

func (s *session) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := s.o.cfg.StageTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (s *session) answer(ctx context.Context, text string) (speculative.AnswerResult, error) {
	ctx, cancel := s.stageCtx(ctx)
	defer cancel()
	return s.eng.GetFinalResult(ctx, text)
}

func (s *session) format(ctx context.Context, text string) string {
	ctx, cancel := s.stageCtx(ctx)
	defer cancel()
	ctx, done := observe.Stage(ctx, "session.format", s.o.metrics.FormatDuration)
	out := s.o.formatter.Format(ctx, text)
	done(nil)
	return out
}

func (s *session) sendBuffered(ctx context.Context, msg FinalResultMessage, log *slog.Logger) error {
	sctx, cancel := s.stageCtx(ctx)
	sctx, done := observe.Stage(sctx, "session.synthesize", s.o.metrics.SynthesizeDuration)
	audio, synthErr := s.o.tts.Synthesize(sctx, msg.SpokenText)
	done(synthErr)
	cancel()

	ok := synthErr == nil && len(audio) > 0
	if !ok {
		log.Warn("session: synthesis failed, audio omitted", "err", synthErr)
		s.o.metrics.RecordDegraded(ctx, degradedSynthesis)
	}
	if err := s.conn.WriteJSON(ctx, msg); err != nil {
		return fmt.Errorf("session: send final result: %w", err)
	}
	if !ok {
		return nil
	}
	if err := s.conn.WriteAudio(ctx, audio); err != nil {
		return fmt.Errorf("session: send audio: %w", err)
	}
	return nil
}

func (s *session) sendStreamed(ctx context.Context, msg FinalResultMessage, log *slog.Logger) error {
	sctx, cancel := s.stageCtx(ctx)
	defer cancel()
	sctx, done := observe.Stage(sctx, "session.synthesize", s.o.metrics.SynthesizeDuration)
	chunks, synthErr := s.o.tts.SynthesizeStream(sctx, msg.SpokenText)
	if synthErr != nil {
		done(synthErr)
		log.Warn("session: synthesis failed, audio omitted", "err", synthErr)
		s.o.metrics.RecordDegraded(ctx, degradedSynthesis)
		if err := s.conn.WriteJSON(ctx, msg); err != nil {
			return fmt.Errorf("session: send final result: %w", err)
		}
		return nil
	}

	if err := s.conn.WriteJSON(ctx, msg); err != nil {
		done(err)
		cancel()
		drain(chunks)
		return fmt.Errorf("session: send final result: %w", err)
	}

	sent := 0
	for chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		if err := s.conn.WriteAudio(ctx, chunk); err != nil {
			done(err)
			cancel()
			drain(chunks)
			return fmt.Errorf("session: send audio: %w", err)
		}
		sent++
	}
	if sent == 0 {
		err := sctx.Err()
		if err == nil {
			err = tts.ErrNoAudio
		}
		done(err)
		log.Warn("session: synthesis produced no audio", "err", err)
		s.o.metrics.RecordDegraded(ctx, degradedSynthesis)
		return nil
	}
	done(nil)
	return nil
}

func drain(ch <-chan []byte) {
	if ch == nil {
		return
	}
	for range ch {
	}
}
