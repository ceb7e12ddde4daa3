package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/speculo/internal/observe"
	ragmock "github.com/MrWong99/speculo/internal/rag/mock"
	"github.com/MrWong99/speculo/internal/session"
	"github.com/MrWong99/speculo/internal/speculative"
	rerankmock "github.com/MrWong99/speculo/pkg/provider/rerank/mock"
	"github.com/MrWong99/speculo/pkg/provider/stt"
	sttmock "github.com/MrWong99/speculo/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/speculo/pkg/provider/tts/mock"
)

const waitTimeout = 2 * time.Second

// ─── fake connection ─────────────────────────────────────────────────────────

type fakeConn struct {
	audio chan []byte

	mu       sync.Mutex
	msgs     []any
	writeErr error
	closed   bool
}

func newFakeConn() *fakeConn { return &fakeConn{audio: make(chan []byte, 16)} }

func (c *fakeConn) ReadAudio(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-c.audio:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteJSON(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.msgs = append(c.msgs, v)
	return nil
}

func (c *fakeConn) WriteAudio(_ context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.msgs = append(c.msgs, append([]byte(nil), audio...))
	return nil
}

// hangUp simulates the client closing the connection.
func (c *fakeConn) hangUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.audio)
	}
}

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

func (c *fakeConn) waitMessages(t *testing.T, n int) []any {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if msgs := c.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d: %#v", n, len(c.messages()), c.messages())
	return nil
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	rw        *ragmock.Rewriter
	rt        *ragmock.Retriever
	rr        *rerankmock.Provider
	formatter *ragmock.Formatter
	tts       *ttsmock.Provider
	sess      *sttmock.Session
	stt       *sttmock.Provider
	conn      *fakeConn

	reader  *sdkmetric.ManualReader
	metrics *observe.Metrics

	mu      sync.Mutex
	engines []*speculative.Engine
	states  []session.State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rw: &ragmock.Rewriter{},
		rt: &ragmock.Retriever{Results: []string{"p1", "p2", "p3"}},
		rr: &rerankmock.Provider{},
		formatter: &ragmock.Formatter{FormatFunc: func(_ context.Context, text string) string {
			return "spoken: " + text
		}},
		tts:  &ttsmock.Provider{Audio: []byte("AUDIO")},
		sess: sttmock.NewSession(16),
		conn: newFakeConn(),
	}
	h.stt = &sttmock.Provider{Session: h.sess}
	h.reader = sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h.metrics = m
	return h
}

func (h *harness) newEngine() (session.Engine, error) {
	e, err := speculative.New(h.rw, h.rt, h.rr, speculative.WithMetrics(h.metrics))
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.engines = append(h.engines, e)
	h.mu.Unlock()
	return e, nil
}

func (h *harness) engine(t *testing.T) *speculative.Engine {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.engines) == 0 {
		t.Fatal("no engine created")
	}
	return h.engines[len(h.engines)-1]
}

func (h *harness) observedStates() []session.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]session.State(nil), h.states...)
}

func (h *harness) orchestrator(t *testing.T, cfg session.Config) *session.Orchestrator {
	t.Helper()
	o, err := session.New(h.stt, h.newEngine, h.formatter, h.tts,
		session.WithConfig(cfg),
		session.WithMetrics(h.metrics),
		session.WithStateObserver(func(_ string, s session.State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

// start runs a session in the background and returns a function that hangs
// up and returns Run's error.
func (h *harness) start(t *testing.T, cfg session.Config) func() error {
	t.Helper()
	o := h.orchestrator(t, cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background(), h.conn) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			h.conn.hangUp()
			select {
			case result = <-errCh:
			case <-time.After(waitTimeout):
				t.Fatal("Run did not return after hang-up")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })

	// Wait until the recogniser stream is open.
	deadline := time.Now().Add(waitTimeout)
	for h.stt.CallCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	return stop
}

func (h *harness) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func final(text string) stt.Transcript   { return stt.Transcript{Text: text, IsFinal: true} }
func partial(text string) stt.Transcript { return stt.Transcript{Text: text} }

func assertFiller(t *testing.T, msg any) {
	t.Helper()
	f, ok := msg.(session.FillerMessage)
	if !ok {
		t.Fatalf("message is %T, want FillerMessage", msg)
	}
	if f.Type != "filler" || !slices.Contains(session.DefaultFillers, f.Text) {
		t.Errorf("filler = %+v", f)
	}
}

func asFinal(t *testing.T, msg any) session.FinalResultMessage {
	t.Helper()
	f, ok := msg.(session.FinalResultMessage)
	if !ok {
		t.Fatalf("message is %T, want FinalResultMessage", msg)
	}
	if f.Type != "final_result" {
		t.Errorf("type = %q", f.Type)
	}
	return f
}

func asAudio(t *testing.T, msg any) []byte {
	t.Helper()
	b, ok := msg.([]byte)
	if !ok {
		t.Fatalf("message is %T, want audio bytes", msg)
	}
	return b
}

// ─── finalize ────────────────────────────────────────────────────────────────

func TestRun_MissFinal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	stop := h.start(t, session.Config{})

	h.sess.Emit(final("What is the password policy?"))
	msgs := h.conn.waitMessages(t, 3)

	assertFiller(t, msgs[0])
	res := asFinal(t, msgs[1])
	if res.Text != "What is the password policy?" || res.RAG.Rewritten != "What is the password policy?" {
		t.Errorf("final_result = %+v", res)
	}
	if !slices.Equal(res.RAG.Results, []string{"p1", "p2", "p3"}) {
		t.Errorf("results = %q", res.RAG.Results)
	}
	if res.SpokenText != "spoken: p1" {
		t.Errorf("spoken_text = %q", res.SpokenText)
	}
	if got := asAudio(t, msgs[2]); string(got) != "AUDIO" {
		t.Errorf("audio = %q", got)
	}
	if h.rw.CallCount() != 1 || h.rt.Calls[0].Limit != 10 || h.rr.CallCount() != 1 {
		t.Errorf("pipeline calls: rewrite=%d retrieve=%+v rerank=%d", h.rw.CallCount(), h.rt.Calls, h.rr.CallCount())
	}
	if got := h.engine(t).History(); !slices.Equal(got, []string{"What is the password policy?"}) {
		t.Errorf("history = %q", got)
	}
	if err := stop(); err != nil {
		t.Errorf("Run = %v, want nil on client close", err)
	}
}

func TestRun_SpeculatedFinalHitsCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t, session.Config{})

	text := "What is the battery life"
	h.sess.Emit(partial(text))
	deadline := time.Now().Add(waitTimeout)
	for {
		if _, ok := h.engine(t).Cached(text); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("partial was never speculated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.sess.Emit(final(text))
	msgs := h.conn.waitMessages(t, 3)
	res := asFinal(t, msgs[1])
	if !slices.Equal(res.RAG.Results, []string{"p1", "p2", "p3"}) {
		t.Errorf("results = %q", res.RAG.Results)
	}
	if h.rr.CallCount() != 0 {
		t.Errorf("rerank calls = %d, want 0 on cache hit", h.rr.CallCount())
	}
	if h.rt.CallCount() != 1 {
		t.Errorf("retrieve calls = %d, want 1", h.rt.CallCount())
	}
}

func TestRun_EmptyFinalIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t, session.Config{})

	h.sess.Emit(final(""))
	h.sess.Emit(final("   "))
	h.sess.Emit(final("How do I reset the router?"))
	msgs := h.conn.waitMessages(t, 3)
	time.Sleep(20 * time.Millisecond)

	if got := len(h.conn.messages()); got != 3 {
		t.Errorf("got %d messages, want 3", got)
	}
	assertFiller(t, msgs[0])
	if res := asFinal(t, msgs[1]); res.Text != "How do I reset the router?" {
		t.Errorf("text = %q", res.Text)
	}
	if h.rw.CallCount() != 1 {
		t.Errorf("rewrite calls = %d, want 1", h.rw.CallCount())
	}
}

func TestRun_NoPassagesUsesFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.rt.Results = nil
	h.start(t, session.Config{})

	h.sess.Emit(final("What colour is the sky?"))
	msgs := h.conn.waitMessages(t, 3)

	res := asFinal(t, msgs[1])
	if res.RAG.Results == nil || len(res.RAG.Results) != 0 {
		t.Errorf("results = %#v, want empty non-nil", res.RAG.Results)
	}
	if res.SpokenText != "spoken: "+session.DefaultFallbackAnswer {
		t.Errorf("spoken_text = %q", res.SpokenText)
	}
	if texts := h.tts.Texts(); len(texts) != 1 || texts[0] != res.SpokenText {
		t.Errorf("synthesized %q", texts)
	}
	asAudio(t, msgs[2])

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	if rag, _ := decoded["rag"].(map[string]any); rag["results"] == nil {
		t.Errorf("results encoded as null: %s", raw)
	}
	if got := h.counter(t, "speculo.degraded.responses", "reason", "no_passages"); got != 1 {
		t.Errorf("degraded no_passages = %d, want 1", got)
	}
}

func TestRun_RetrievalFailureDegrades(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.rt.Err = errors.New("index down")
	h.start(t, session.Config{FallbackAnswer: "Sorry, the manual is unavailable."})

	h.sess.Emit(final("What is the warranty?"))
	msgs := h.conn.waitMessages(t, 3)

	assertFiller(t, msgs[0])
	res := asFinal(t, msgs[1])
	if res.RAG.Rewritten != "What is the warranty?" || len(res.RAG.Results) != 0 {
		t.Errorf("rag = %+v", res.RAG)
	}
	if res.SpokenText != "spoken: Sorry, the manual is unavailable." {
		t.Errorf("spoken_text = %q", res.SpokenText)
	}
	asAudio(t, msgs[2])
	if got := h.counter(t, "speculo.degraded.responses", "reason", "retrieval"); got != 1 {
		t.Errorf("degraded retrieval = %d, want 1", got)
	}
}

func TestRun_SynthesisFailureOmitsAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tts.Err = errors.New("tts down")
	h.start(t, session.Config{})

	h.sess.Emit(final("First question here?"))
	h.sess.Emit(final("Second question here?"))
	msgs := h.conn.waitMessages(t, 4)

	assertFiller(t, msgs[0])
	asFinal(t, msgs[1])
	assertFiller(t, msgs[2])
	if res := asFinal(t, msgs[3]); res.Text != "Second question here?" {
		t.Errorf("second final = %+v", res)
	}
	if got := h.counter(t, "speculo.degraded.responses", "reason", "synthesis"); got != 2 {
		t.Errorf("degraded synthesis = %d, want 2", got)
	}
}

func TestRun_StreamAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tts.Chunks = [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	h.start(t, session.Config{StreamAudio: true})

	h.sess.Emit(final("How long does charging take?"))
	msgs := h.conn.waitMessages(t, 5)

	assertFiller(t, msgs[0])
	asFinal(t, msgs[1])
	for i, want := range []string{"a", "b", "c"} {
		if got := asAudio(t, msgs[2+i]); string(got) != want {
			t.Errorf("chunk %d = %q, want %q", i, got, want)
		}
	}
}

func TestRun_StreamAudioFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tts.Err = errors.New("stream refused")
	h.start(t, session.Config{StreamAudio: true})

	h.sess.Emit(final("How long does charging take?"))
	msgs := h.conn.waitMessages(t, 2)
	time.Sleep(20 * time.Millisecond)

	asFinal(t, msgs[1])
	if got := len(h.conn.messages()); got != 2 {
		t.Errorf("got %d messages, want 2", got)
	}
}

// ─── audio, lifecycle ────────────────────────────────────────────────────────

func TestRun_StatesAndAudioForwarding(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	forwarded := make(chan []byte, 4)
	h.sess.OnAudio = func(b []byte) { forwarded <- b }
	stop := h.start(t, session.Config{})

	h.conn.audio <- []byte{1, 2}
	h.conn.audio <- []byte{}
	h.conn.audio <- []byte{3}
	for _, want := range [][]byte{{1, 2}, {3}} {
		select {
		case got := <-forwarded:
			if !slices.Equal(got, want) {
				t.Errorf("forwarded %v, want %v", got, want)
			}
		case <-time.After(waitTimeout):
			t.Fatal("audio not forwarded")
		}
	}

	if err := stop(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	want := []session.State{session.StateIdle, session.StateAwaitingAudio, session.StateSessionActive, session.StateClosed}
	if got := h.observedStates(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if h.sess.Closes() == 0 {
		t.Error("recogniser stream not closed")
	}
	if h.engine(t).Speculate("one two three four") {
		t.Error("engine still accepts speculation after teardown")
	}
	if got := h.counter(t, "speculo.active_sessions", "", ""); got != 0 {
		t.Errorf("active sessions = %d after teardown, want 0", got)
	}
}

func TestRun_PartialDoesNotBlockAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.rt.SearchFunc = func(context.Context, string, int) ([]string, error) {
		<-release
		return nil, nil
	}
	forwarded := make(chan []byte, 4)
	h.sess.OnAudio = func(b []byte) { forwarded <- b }
	h.start(t, session.Config{})

	h.sess.Emit(partial("how do I reset the"))
	time.Sleep(10 * time.Millisecond)
	h.conn.audio <- []byte{9}
	select {
	case <-forwarded:
	case <-time.After(waitTimeout):
		t.Fatal("audio blocked behind speculation")
	}
}

func TestRun_PartialsFlowWhileFinalsQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.formatter.FormatFunc = func(_ context.Context, text string) string {
		<-release
		return text
	}
	h.start(t, session.Config{})

	// The first final holds the finalize worker; the rest overflow its queue.
	for i := range 12 {
		h.sess.Emit(final(fmt.Sprintf("question %d", i)))
	}
	const p = "how long does the battery last"
	h.sess.Emit(partial(p))

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if slices.Contains(h.rw.Queries(), p) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("partial was not speculated on while finals were queued")
}

func TestRun_RecogniserHangUpEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.orchestrator(t, session.Config{})
	h.sess.Emit(final("What is the password policy?"))
	h.sess.Finish()

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background(), h.conn) }()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after recogniser hang-up")
	}
	// The queued final is still answered.
	if got := len(h.conn.messages()); got != 3 {
		t.Errorf("got %d messages, want 3", got)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.orchestrator(t, session.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx, h.conn) }()
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_WriteErrorEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	writeErr := errors.New("broken pipe")
	h.conn.writeErr = writeErr
	o := h.orchestrator(t, session.Config{})
	h.sess.Emit(final("What is the password policy?"))

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background(), h.conn) }()
	select {
	case err := <-errCh:
		if !errors.Is(err, writeErr) {
			t.Errorf("Run = %v, want %v", err, writeErr)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after write error")
	}
}

func TestRun_StartErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sttErr := errors.New("deepgram unreachable")
	h.stt.StartStreamErr = sttErr
	o := h.orchestrator(t, session.Config{})

	if err := o.Run(context.Background(), h.conn); !errors.Is(err, sttErr) {
		t.Errorf("Run = %v, want %v", err, sttErr)
	}
	h.mu.Lock()
	engines := len(h.engines)
	h.mu.Unlock()
	if engines != 0 {
		t.Error("engine created despite recogniser failure")
	}
	if got := h.observedStates(); !slices.Equal(got, []session.State{session.StateIdle, session.StateClosed}) {
		t.Errorf("states = %v", got)
	}

	h = newHarness(t)
	engErr := errors.New("no engine")
	o, _ = session.New(h.stt, func() (session.Engine, error) { return nil, engErr }, h.formatter, h.tts,
		session.WithMetrics(h.metrics))
	if err := o.Run(context.Background(), h.conn); !errors.Is(err, engErr) {
		t.Errorf("Run = %v, want %v", err, engErr)
	}
	if h.sess.Closes() != 1 {
		t.Errorf("recogniser closes = %d, want 1", h.sess.Closes())
	}
}

func TestRun_StreamConfigPassed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := stt.StreamConfig{Encoding: "linear16", SampleRate: 16000, Channels: 1, Language: "en-US"}
	h.start(t, session.Config{Stream: cfg})
	if got := h.stt.StartStreamCalls[0].Cfg; got != cfg {
		t.Errorf("StreamConfig = %+v, want %+v", got, cfg)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if _, err := session.New(nil, h.newEngine, h.formatter, h.tts); err == nil {
		t.Error("expected error for nil recogniser")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[session.State]string{
		session.StateIdle:          "idle",
		session.StateAwaitingAudio: "awaiting_audio",
		session.StateSessionActive: "session_active",
		session.StateClosed:        "closed",
		session.State(42):          "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
