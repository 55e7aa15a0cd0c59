package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/teslashibe/go-voicedesk/pkg/failure"
	"github.com/teslashibe/go-voicedesk/pkg/handoff"
	"github.com/teslashibe/go-voicedesk/pkg/protocol"
	"github.com/teslashibe/go-voicedesk/pkg/reasoning"
	"github.com/teslashibe/go-voicedesk/pkg/reconnect"
	"github.com/teslashibe/go-voicedesk/pkg/session"
	"github.com/teslashibe/go-voicedesk/pkg/store"
	"github.com/teslashibe/go-voicedesk/pkg/stt"
	"github.com/teslashibe/go-voicedesk/pkg/tts"
	"github.com/teslashibe/go-voicedesk/pkg/vad"
	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	reg   *session.Registry
	stt   *stt.Mock
	ai    *reasoning.Mock
	tts   *tts.Mock
	store *store.Memory
	coord *handoff.Coordinator
	orch  *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		reg:   session.NewRegistry(),
		stt:   stt.NewMock(),
		ai:    reasoning.NewMock(),
		tts:   tts.NewMock(),
		store: store.NewMemory(),
	}
	sup := reconnect.New(h.reg,
		reconnect.WithRecorder(h.store),
		reconnect.WithStreams(h.stt),
	)
	h.coord = handoff.NewCoordinator(sup)

	orch, err := New(Deps{
		Registry:    h.reg,
		Transcriber: h.stt,
		Reasoner:    h.ai,
		Synthesizer: h.tts,
		Recorder:    h.store,
		Handoff:     h.coord,
		Supervisor:  sup,
	}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.orch = orch
	t.Cleanup(func() { h.reg.CloseAll("test") })
	return h
}

func (h *harness) connect(t *testing.T, client string, rate int) (*session.Session, *session.MockTransport) {
	t.Helper()
	tr := session.NewMockTransport()
	s, _, err := h.reg.Create(client, session.Params{SampleRate: rate, Transport: tr})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := h.orch.Begin(context.Background(), s); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return s, tr
}

// settle waits until all work queued on s so far has run.
func settle(t *testing.T, s *session.Session) {
	t.Helper()
	done, err := s.Submit(func(context.Context) {})
	if err != nil {
		done = s.Stopped()
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session work did not settle")
	}
}

// events renders the recorded messages, expanding vad_status to its status.
func events(tr *session.MockTransport) []string {
	var out []string
	for _, m := range tr.Messages() {
		if m.Type == protocol.TypeVADStatus {
			var d protocol.VADStatusData
			m.ParseData(&d)
			out = append(out, "vad_status:"+d.Status)
			continue
		}
		out = append(out, string(m.Type))
	}
	return out
}

func errorData(t *testing.T, tr *session.MockTransport) []protocol.ErrorData {
	t.Helper()
	var out []protocol.ErrorData
	for _, m := range tr.OfType(protocol.TypeError) {
		d, err := m.GetError()
		if err != nil {
			t.Fatalf("GetError() error = %v", err)
		}
		out = append(out, *d)
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("New() error = %v, want ErrMissingDependency", err)
	}
}

func TestBegin(t *testing.T) {
	t.Run("session ready", func(t *testing.T) {
		h := newHarness(t)
		s, tr := h.connect(t, "caller-1", 16000)

		if s.State() != session.StateActive {
			t.Errorf("state = %s, want ACTIVE", s.State())
		}
		msg, ok := tr.WaitFor(protocol.TypeSessionReady, time.Second)
		if !ok {
			t.Fatal("no session_ready")
		}
		var d protocol.SessionReadyData
		msg.ParseData(&d)
		if d.SessionID != "ssid_caller-1" || d.SampleRate != 16000 || d.State != "ACTIVE" {
			t.Errorf("session_ready = %+v", d)
		}
	})

	t.Run("transcriber rejects credentials", func(t *testing.T) {
		h := newHarness(t)
		h.stt.StartFunc = func(context.Context, string, int) error {
			return failure.ErrUnauthorized
		}
		s, _, _ := h.reg.Create("caller-2", session.Params{SampleRate: 16000, Transport: session.NewMockTransport()})

		err := h.orch.Begin(context.Background(), s)
		if err == nil || failure.Classify(err) != failure.KindSTT {
			t.Fatalf("Begin() error = %v", err)
		}
		if !errors.Is(err, failure.ErrUnauthorized) {
			t.Error("cause should be preserved")
		}
		if s.State() != session.StateClosed {
			t.Errorf("state = %s, want CLOSED", s.State())
		}
	})
}

func TestHappyPathEventOrder(t *testing.T) {
	h := newHarness(t)
	h.stt.Text = "my device won't turn on"
	s, tr := h.connect(t, "caller-1", 16000)

	if err := h.orch.AudioChunk(context.Background(), s, make([]byte, 320)); err != nil {
		t.Fatalf("AudioChunk() error = %v", err)
	}
	if err := h.orch.SpeechEnd(s); err != nil {
		t.Fatalf("SpeechEnd() error = %v", err)
	}
	settle(t, s)

	want := []string{
		"session_ready",
		"vad_status:speaking",
		"vad_status:processing",
		"text_response",
		"vad_status:responding",
		"audio_response",
		"vad_status:idle",
	}
	if got := events(tr); !slices.Equal(got, want) {
		t.Fatalf("events = %v\nwant     %v", got, want)
	}

	audio, err := tr.OfType(protocol.TypeAudioResponse)[0].GetAudioResponse()
	if err != nil {
		t.Fatalf("GetAudioResponse() error = %v", err)
	}
	if audio.SampleRate != 16000 || audio.Format != tts.FormatPCM || audio.Duration <= 0 {
		t.Errorf("audio_response = %+v", audio)
	}

	reqs := h.ai.Requests()
	if len(reqs) != 1 || reqs[0].Transcript.Text != "my device won't turn on" || len(reqs[0].History) != 0 {
		t.Errorf("reasoner requests = %+v", reqs)
	}
	if calls := h.tts.Calls(); len(calls) != 1 || calls[0].Opts.SampleRate != 16000 {
		t.Errorf("synthesis calls = %+v", calls)
	}

	snap := s.Snapshot()
	if len(snap.History) != 2 || snap.History[0].Source != voice.SourceCustomer || snap.History[1].Source != voice.SourceAI {
		t.Errorf("history = %+v", snap.History)
	}
	if snap.Utterance.Chunks != 0 {
		t.Errorf("pending chunks = %d, want 0", snap.Utterance.Chunks)
	}

	rows, err := h.store.SessionInteractions(context.Background(), s.ID())
	if err != nil || len(rows) != 1 || rows[0].CustomerText != "my device won't turn on" {
		t.Errorf("stored interactions = %+v, %v", rows, err)
	}
}

func TestSpeechEndWithoutAudio(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, "caller-1", 16000)

	h.orch.SpeechEnd(s)
	settle(t, s)

	msgs := tr.OfType(protocol.TypeTextResponse)
	if len(msgs) != 1 {
		t.Fatalf("text responses = %d, want 1", len(msgs))
	}
	var d protocol.TextResponseData
	msgs[0].ParseData(&d)
	if d.Text != DefaultConfig().EmptyReply {
		t.Errorf("text = %q", d.Text)
	}
	if n := len(h.ai.Requests()); n != 0 {
		t.Errorf("reasoner called %d times", n)
	}
	if n := len(h.tts.Calls()); n != 0 {
		t.Errorf("synthesizer called %d times", n)
	}
	if s.VAD().Status() != vad.StatusIdle {
		t.Errorf("vad = %s, want idle", s.VAD().Status())
	}
	if len(s.Snapshot().History) != 0 {
		t.Error("empty utterance should not enter history")
	}
}

func TestThreeFailuresHandOff(t *testing.T) {
	h := newHarness(t)
	h.ai.RespondFunc = func(context.Context, voice.Request) (voice.Reply, error) {
		return voice.Reply{}, errors.New("model overloaded")
	}
	s, tr := h.connect(t, "caller-1", 16000)

	for i := 1; i <= 2; i++ {
		h.orch.AudioChunk(context.Background(), s, []byte{1, 2})
		h.orch.SpeechEnd(s)
		settle(t, s)

		snap := s.Snapshot()
		if snap.RetryCount != i || snap.State != session.StateAwaitingRetry || snap.LastError != failure.KindAI {
			t.Fatalf("after failure %d: retry=%d state=%s last=%s", i, snap.RetryCount, snap.State, snap.LastError)
		}
		if s.VAD().Status() != vad.StatusIdle {
			t.Errorf("after failure %d: vad = %s, want idle", i, s.VAD().Status())
		}
	}

	errs := errorData(t, tr)
	if len(errs) != 2 {
		t.Fatalf("error events = %d, want 2", len(errs))
	}
	for i, e := range errs {
		if e.Code != string(failure.KindAI) || e.RetriesLeft == nil || *e.RetriesLeft != 2-i {
			t.Errorf("error %d = %+v", i, e)
		}
	}

	h.orch.AudioChunk(context.Background(), s, []byte{1, 2})
	h.orch.SpeechEnd(s)
	settle(t, s)

	msg, ok := tr.WaitFor(protocol.TypeHandoffInitiated, time.Second)
	if !ok {
		t.Fatal("no handoff_initiated")
	}
	var d protocol.HandoffData
	msg.ParseData(&d)
	if d.Message != handoff.DefaultMessage || d.PositionInQueue != 1 {
		t.Errorf("handoff = %+v", d)
	}
	if len(errorData(t, tr)) != 2 {
		t.Error("the escalating failure should not send a retry notice")
	}
	if _, ok := h.reg.Get(s.ID()); ok {
		t.Error("session should be removed after handoff")
	}
	if !tr.Closed() {
		t.Error("transport should be closed")
	}
	if pos := h.coord.Queue().Position(s.ID()); pos != 1 {
		t.Errorf("queue position = %d, want 1", pos)
	}
	if h.stt.CallCount("EndSession") != 1 {
		t.Error("transcription stream should be ended")
	}
}

func TestRecoveryResetsRetryCount(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.ai.RespondFunc = func(context.Context, voice.Request) (voice.Reply, error) {
		if calls.Add(1) == 1 {
			return voice.Reply{}, errors.New("connection reset by peer")
		}
		return voice.Reply{Text: "Try holding the power button."}, nil
	}
	s, tr := h.connect(t, "caller-1", 16000)

	h.orch.AudioChunk(context.Background(), s, []byte{1})
	h.orch.SpeechEnd(s)
	settle(t, s)
	if s.State() != session.StateAwaitingRetry {
		t.Fatalf("state = %s, want AWAITING_RETRY", s.State())
	}

	h.orch.AudioChunk(context.Background(), s, []byte{1})
	h.orch.SpeechEnd(s)
	settle(t, s)

	snap := s.Snapshot()
	if snap.State != session.StateActive || snap.RetryCount != 0 {
		t.Errorf("after recovery: state=%s retry=%d", snap.State, snap.RetryCount)
	}
	if len(tr.OfType(protocol.TypeAudioResponse)) != 1 {
		t.Error("recovered turn should deliver audio")
	}
}

func TestSynthesisFailure(t *testing.T) {
	h := newHarness(t)
	h.tts.SynthesizeFunc = func(context.Context, string, voice.SynthesisOptions) (voice.Audio, error) {
		return voice.Audio{}, errors.New("voice unavailable")
	}
	s, tr := h.connect(t, "caller-1", 16000)

	h.orch.AudioChunk(context.Background(), s, []byte{1})
	h.orch.SpeechEnd(s)
	settle(t, s)

	errs := errorData(t, tr)
	if len(errs) != 1 || errs[0].Code != string(failure.KindTTS) {
		t.Fatalf("errors = %+v", errs)
	}
	if s.VAD().Status() != vad.StatusIdle {
		t.Errorf("vad = %s, want idle", s.VAD().Status())
	}
	if len(tr.OfType(protocol.TypeTextResponse)) != 1 {
		t.Error("reply text should still be delivered")
	}
}

func TestBargeInDiscardsTurn(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.ai.RespondFunc = func(ctx context.Context, _ voice.Request) (voice.Reply, error) {
		close(started)
		<-ctx.Done()
		return voice.Reply{}, ctx.Err()
	}
	s, tr := h.connect(t, "caller-1", 16000)

	h.orch.AudioChunk(context.Background(), s, []byte{1})
	h.orch.SpeechEnd(s)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached reasoning")
	}
	h.orch.VADUpdate(s, true)
	settle(t, s)

	if n := len(tr.OfType(protocol.TypeTextResponse)); n != 0 {
		t.Errorf("stale turn sent %d text responses", n)
	}
	if n := len(tr.OfType(protocol.TypeError)); n != 0 {
		t.Errorf("cancelled turn counted as failure: %d errors", n)
	}
	snap := s.Snapshot()
	if snap.RetryCount != 0 || snap.State != session.StateActive || len(snap.History) != 0 {
		t.Errorf("context changed by discarded turn: %+v", snap)
	}
	if s.VAD().Status() != vad.StatusSpeaking {
		t.Errorf("vad = %s, want speaking", s.VAD().Status())
	}
}

func TestNaturalEndpoint(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, "caller-1", 16000)

	h.orch.AudioChunk(context.Background(), s, []byte{1})
	h.stt.Deliver(s.ID(), voice.Transcript{Text: "where is my"})
	h.stt.Deliver(s.ID(), voice.Transcript{Text: "where is my order", Final: true})
	settle(t, s)

	partials := tr.OfType(protocol.TypePartialTranscript)
	if len(partials) != 1 {
		t.Fatalf("partial transcripts = %d, want 1", len(partials))
	}
	reqs := h.ai.Requests()
	if len(reqs) != 1 || reqs[0].Transcript.Text != "where is my order" {
		t.Fatalf("reasoner requests = %+v", reqs)
	}

	// The utterance is already answered; a trailing speech_end is a no-op.
	h.orch.SpeechEnd(s)
	settle(t, s)
	if n := len(tr.OfType(protocol.TypeTextResponse)); n != 1 {
		t.Errorf("text responses = %d, want 1", n)
	}
	if s.VAD().Status() != vad.StatusIdle {
		t.Errorf("vad = %s, want idle", s.VAD().Status())
	}
}

func TestSpeechEndTimeoutUsesPartial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpeechEndTimeout = 20 * time.Millisecond
	h := newHarness(t, WithConfig(cfg))
	h.stt.FinalizeFunc = func(ctx context.Context, _ string) (voice.Transcript, error) {
		<-ctx.Done()
		return voice.Transcript{}, ctx.Err()
	}
	s, _ := h.connect(t, "caller-1", 16000)

	h.orch.AudioChunk(context.Background(), s, []byte{1})
	h.stt.Deliver(s.ID(), voice.Transcript{Text: "reset my router"})
	h.orch.SpeechEnd(s)
	settle(t, s)

	reqs := h.ai.Requests()
	if len(reqs) != 1 || reqs[0].Transcript.Text != "reset my router" {
		t.Errorf("reasoner requests = %+v", reqs)
	}
}

func TestLateFinalAfterSpeechEndTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpeechEndTimeout = 20 * time.Millisecond
	h := newHarness(t, WithConfig(cfg))
	h.stt.FinalizeFunc = func(ctx context.Context, _ string) (voice.Transcript, error) {
		<-ctx.Done()
		return voice.Transcript{}, ctx.Err()
	}
	s, _ := h.connect(t, "caller-1", 16000)

	h.orch.AudioChunk(context.Background(), s, []byte{1})
	h.stt.Deliver(s.ID(), voice.Transcript{Text: "reset my router"})
	h.orch.SpeechEnd(s)
	settle(t, s)

	h.stt.Deliver(s.ID(), voice.Transcript{Text: "Reset my router please", Final: true})
	settle(t, s)

	if got := len(h.ai.Requests()); got != 1 {
		t.Fatalf("Respond calls = %d, want 1", got)
	}
	if n := len(s.Snapshot().History); n != 2 {
		t.Errorf("history len = %d, want 2", n)
	}

	h.stt.Deliver(s.ID(), voice.Transcript{Text: "my modem too", Final: true})
	settle(t, s)

	reqs := h.ai.Requests()
	if len(reqs) != 2 || reqs[1].Transcript.Text != "my modem too" {
		t.Errorf("reasoner requests = %+v", reqs)
	}
}

func TestRepeats(t *testing.T) {
	tests := []struct {
		answered, text string
		want           bool
	}{
		{"", "reset my router", false},
		{"reset my router", "reset my router", true},
		{"reset my", "Reset my router", true},
		{"reset my router please", "reset my router", true},
		{"reset my router", "cancel my order", false},
	}
	for _, tt := range tests {
		if got := repeats(tt.answered, tt.text); got != tt.want {
			t.Errorf("repeats(%q, %q) = %v, want %v", tt.answered, tt.text, got, tt.want)
		}
	}
}

func TestSubmitFailureReportedOnce(t *testing.T) {
	h := newHarness(t)
	h.stt.SubmitFunc = func(context.Context, string, []byte) error {
		return errors.New("stream closed")
	}
	s, tr := h.connect(t, "caller-1", 16000)

	for range 3 {
		h.orch.AudioChunk(context.Background(), s, []byte{1})
	}
	settle(t, s)

	errs := errorData(t, tr)
	if len(errs) != 1 || errs[0].Code != string(failure.KindSTT) {
		t.Errorf("errors = %+v", errs)
	}
	if s.Snapshot().RetryCount != 1 {
		t.Errorf("retry = %d, want 1", s.Snapshot().RetryCount)
	}
}

func TestReplyRequestsHandoff(t *testing.T) {
	h := newHarness(t)
	h.ai.Text = "Let me connect you with a specialist. [HANDOFF]"
	s, tr := h.connect(t, "caller-1", 16000)

	h.orch.AudioChunk(context.Background(), s, []byte{1})
	h.orch.SpeechEnd(s)
	settle(t, s)

	got := events(tr)
	ti := slices.Index(got, "audio_response")
	hi := slices.Index(got, "handoff_initiated")
	if ti < 0 || hi < ti {
		t.Errorf("events = %v, want audio before handoff", got)
	}
	if _, ok := h.reg.Get(s.ID()); ok {
		t.Error("session should be removed after handoff")
	}
}

func TestEndCall(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, "caller-1", 16000)

	h.orch.AudioChunk(context.Background(), s, []byte{1})
	h.orch.EndCall(s)

	select {
	case <-s.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("session not stopped")
	}

	got := events(tr)
	if ti, ci := slices.Index(got, "text_response"), slices.Index(got, "call_ended"); ti < 0 || ci < ti {
		t.Errorf("events = %v, want reply before call_ended", got)
	}
	var d protocol.CallEndedData
	tr.OfType(protocol.TypeCallEnded)[0].ParseData(&d)
	if d.Reason != ReasonEndCall {
		t.Errorf("reason = %q", d.Reason)
	}
	if h.reg.Len() != 0 {
		t.Error("session should be removed")
	}
	if _, err := h.store.Session(context.Background(), s.ID()); err != nil {
		t.Errorf("session row: %v", err)
	}
}

func TestTerminate(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, "caller-1", 16000)

	if err := h.orch.Terminate(s.ID(), ReasonOperator); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if _, ok := tr.WaitFor(protocol.TypeCallEnded, time.Second); !ok {
		t.Error("no call_ended")
	}
	if !s.Closed() {
		t.Error("session should be closed")
	}
	if err := h.orch.Terminate("ssid_nobody", ReasonOperator); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Terminate(unknown) error = %v", err)
	}
}

func TestSessionsRunIndependently(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.ai.RespondFunc = func(ctx context.Context, req voice.Request) (voice.Reply, error) {
		if req.SessionID == "ssid_slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return voice.Reply{}, ctx.Err()
			}
		}
		return voice.Reply{Text: "ok"}, nil
	}
	slow, _ := h.connect(t, "slow", 16000)
	fast, fastTr := h.connect(t, "fast", 16000)

	h.orch.AudioChunk(context.Background(), slow, []byte{1})
	h.orch.SpeechEnd(slow)
	h.orch.AudioChunk(context.Background(), fast, []byte{1})
	h.orch.SpeechEnd(fast)

	if _, ok := fastTr.WaitFor(protocol.TypeAudioResponse, 2*time.Second); !ok {
		t.Error("fast session blocked behind slow session")
	}
	close(release)
	settle(t, slow)
}
