package pipeline

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/pkg/failure"
	"github.com/teslashibe/go-voicedesk/pkg/handoff"
	"github.com/teslashibe/go-voicedesk/pkg/metrics"
	"github.com/teslashibe/go-voicedesk/pkg/protocol"
	"github.com/teslashibe/go-voicedesk/pkg/reconnect"
	"github.com/teslashibe/go-voicedesk/pkg/session"
	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// recordTimeout bounds a persistence write made from a turn.
const recordTimeout = 5 * time.Second

// Orchestrator drives caller turns through the collaborators.
type Orchestrator struct {
	registry   *session.Registry
	stt        voice.Transcriber
	reasoner   voice.Reasoner
	tts        voice.Synthesizer
	recorder   voice.Recorder
	handoff    *handoff.Coordinator
	supervisor *reconnect.Supervisor

	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an orchestrator.
func New(d Deps, opts ...Option) (*Orchestrator, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		registry:   d.Registry,
		stt:        d.Transcriber,
		reasoner:   d.Reasoner,
		tts:        d.Synthesizer,
		recorder:   d.Recorder,
		handoff:    d.Handoff,
		supervisor: d.Supervisor,
		config:     DefaultConfig(),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "pipeline"))
	return o, nil
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// Begin opens the transcription stream for a new session and activates it.
// A stream that cannot be opened fails authentication and the session is
// left CLOSED for the caller to retire.
func (o *Orchestrator) Begin(ctx context.Context, s *session.Session) error {
	snap := s.Snapshot()
	if err := o.stt.StartSession(ctx, s.ID(), snap.SampleRate, o.handleTranscript); err != nil {
		if _, _, ferr := s.Fire(session.TriggerAuthFailure); ferr != nil {
			s.Logger().Debug("auth failure transition", zap.Error(ferr))
		}
		o.metrics.RecordError(string(failure.Classify(err)))
		return failure.Transcription("start", err)
	}

	_, to, err := s.Fire(session.TriggerAuthSuccess)
	if err != nil {
		return err
	}
	o.emit(s, protocol.TypeSessionReady, protocol.SessionReadyData{
		SessionID:  s.ID(),
		SampleRate: snap.SampleRate,
		State:      string(to),
	})
	return nil
}

// AudioChunk forwards caller audio to the transcriber. It runs inline so
// audio is never queued behind a turn.
func (o *Orchestrator) AudioChunk(ctx context.Context, s *session.Session, chunk []byte) error {
	s.Touch()
	o.metrics.RecordAudio("in", len(chunk))

	tracker := s.VAD()
	epoch := tracker.Epoch()
	tracker.OnAudio()
	if tracker.Epoch() != epoch {
		s.CancelTurn()
	}

	if _, err := s.Update(func(c session.Context) session.Context {
		c.Utterance.Chunks++
		c.Utterance.Endpointed = false
		return c
	}); err != nil {
		return err
	}

	if err := o.stt.SubmitAudio(ctx, s.ID(), chunk); err != nil {
		var report bool
		if _, uerr := s.Update(func(c session.Context) session.Context {
			report = !c.Utterance.Faulted
			c.Utterance.Faulted = true
			return c
		}); uerr != nil || !report {
			return nil
		}
		serr := failure.Transcription("submit", err)
		return o.submit(s, func(ctx context.Context) { o.fail(ctx, s, serr) })
	}
	return nil
}

// SpeechEnd handles the caller's end-of-utterance signal.
func (o *Orchestrator) SpeechEnd(s *session.Session) error {
	s.Touch()
	return o.submit(s, func(ctx context.Context) { o.flush(ctx, s, false) })
}

// VADUpdate applies a caller-reported speaking flag. Speaking over an
// in-flight turn cancels it.
func (o *Orchestrator) VADUpdate(s *session.Session, speaking bool) {
	s.Touch()
	if _, bargeIn := s.VAD().OnVADUpdate(speaking); bargeIn {
		if s.CancelTurn() {
			s.Logger().Debug("caller barged in; turn cancelled")
		}
	}
}

// EndCall flushes any pending utterance, answers it, then retires the
// session with a call_ended event.
func (o *Orchestrator) EndCall(s *session.Session) error {
	_, err := s.Submit(func(ctx context.Context) {
		o.flush(ctx, s, true)
		o.finish(s, ReasonEndCall)
	})
	if err != nil {
		o.finish(s, ReasonEndCall)
	}
	return nil
}

// Terminate ends a session on operator request.
func (o *Orchestrator) Terminate(id, reason string) error {
	s, ok := o.registry.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.CancelTurn()
	o.finish(s, reason)
	return nil
}

func (o *Orchestrator) finish(s *session.Session, reason string) {
	o.emit(s, protocol.TypeCallEnded, protocol.CallEndedData{Reason: reason})
	o.supervisor.Finalize(context.Background(), s.ID(), reason)
}

// handleTranscript receives results the transcriber endpointed on its own.
func (o *Orchestrator) handleTranscript(id string, t voice.Transcript) {
	s, ok := o.registry.Get(id)
	if !ok || s.Closed() || t.Empty() {
		return
	}

	if !t.Final {
		if _, err := s.Update(func(c session.Context) session.Context {
			c.Utterance.Partial = t.Text
			return c
		}); err != nil {
			return
		}
		o.emit(s, protocol.TypePartialTranscript, protocol.TranscriptData{Text: t.Text})
		return
	}

	var repeat bool
	if _, err := s.Update(func(c session.Context) session.Context {
		if repeat = repeats(c.Utterance.Answered, t.Text); repeat {
			c.Utterance.Answered = ""
			return c
		}
		c.Utterance = session.Utterance{Endpointed: true}
		return c
	}); err != nil {
		return
	}
	if repeat {
		s.Logger().Debug("late final already answered from partial", zap.String("text", t.Text))
		return
	}
	o.submit(s, func(ctx context.Context) {
		tracker := s.VAD()
		tracker.BeginProcessing()
		timing := voice.StartTurn()
		timing.MarkTranscript()
		o.runTurn(ctx, s, t, timing, tracker.Epoch())
	})
}

// flush closes the current utterance through the transcriber and runs a
// turn on the result. When ending is set an empty utterance is dropped
// without a reply.
func (o *Orchestrator) flush(ctx context.Context, s *session.Session, ending bool) {
	snap := s.Snapshot()
	pending := snap.Utterance
	if pending.Endpointed && pending.Chunks == 0 {
		return
	}
	if ending && pending.Chunks == 0 {
		return
	}

	tracker := s.VAD()
	tracker.BeginProcessing()
	epoch := tracker.Epoch()
	timing := voice.StartTurn()

	wait, cancel := context.WithTimeout(ctx, o.config.SpeechEndTimeout)
	t, err := o.stt.Finalize(wait, s.ID())
	cancel()

	timedOut := false
	switch {
	case err == nil:
	case ctx.Err() != nil:
		tracker.ResetIfEpoch(epoch)
		o.metrics.RecordTurn(outcomeDiscarded)
		return
	case errors.Is(err, context.DeadlineExceeded):
		timedOut = true
	default:
		o.fail(ctx, s, failure.Transcription("finalize", err))
		tracker.ResetIfEpoch(epoch)
		return
	}
	timing.MarkTranscript()
	o.metrics.RecordStage(string(failure.StageTranscription), timing.TranscriptLatency())

	var partial string
	var endpointed bool
	if _, err := s.Update(func(c session.Context) session.Context {
		partial = c.Utterance.Partial
		endpointed = c.Utterance.Endpointed
		c.Utterance.Chunks = max(0, c.Utterance.Chunks-pending.Chunks)
		c.Utterance.Partial = ""
		c.Utterance.Endpointed = false
		c.Utterance.Faulted = false
		c.Utterance.Answered = ""
		if timedOut {
			c.Utterance.Answered = partial
		}
		return c
	}); err != nil {
		return
	}

	if timedOut {
		s.Logger().Warn("final transcript timed out; using partial",
			zap.Duration("timeout", o.config.SpeechEndTimeout))
		t = voice.Transcript{Text: partial, Final: true}
	}

	if t.Empty() {
		// A result endpointed during the wait is answered by its own turn.
		if !endpointed && !ending {
			o.emit(s, protocol.TypeTextResponse, protocol.TextResponseData{Text: o.config.EmptyReply})
			o.metrics.RecordTurn(outcomeEmpty)
		}
		tracker.ResetIfEpoch(epoch)
		return
	}
	o.runTurn(ctx, s, t, timing, epoch)
}

// runTurn answers one final transcript. The VAD status returns to idle on
// every exit unless the caller barged in, in which case the newer
// utterance owns the status.
func (o *Orchestrator) runTurn(ctx context.Context, s *session.Session, t voice.Transcript, timing *voice.TurnTiming, epoch uint64) {
	tracker := s.VAD()
	defer tracker.ResetIfEpoch(epoch)
	log := s.Logger()

	snap := s.Snapshot()
	started := o.now()
	reply, err := o.reasoner.Respond(ctx, voice.Request{
		SessionID:  s.ID(),
		Transcript: t,
		History:    snap.History,
		Metadata:   snap.Metadata,
		RetryCount: snap.RetryCount,
	})
	if o.stale(ctx, s, epoch) {
		o.metrics.RecordTurn(outcomeDiscarded)
		return
	}
	if err != nil {
		o.fail(ctx, s, failure.Reasoning("respond", err))
		return
	}
	timing.MarkReply()
	o.metrics.RecordStage(string(failure.StageReasoning), o.now().Sub(started))

	at := o.now()
	if _, err := s.Update(func(c session.Context) session.Context {
		c = c.WithTurn(voice.Turn{Source: voice.SourceCustomer, Text: t.Text, Sentiment: t.Sentiment, Timestamp: at})
		if reply.Text != "" {
			c = c.WithTurn(voice.Turn{Source: voice.SourceAI, Text: reply.Text, Timestamp: at})
		}
		if len(reply.Update.Metadata) > 0 {
			if c.Metadata == nil {
				c.Metadata = map[string]string{}
			}
			maps.Copy(c.Metadata, reply.Update.Metadata)
		}
		return c
	}); err != nil {
		return
	}

	if reply.Text != "" {
		o.emit(s, protocol.TypeTextResponse, protocol.TextResponseData{Text: reply.Text})
		tracker.BeginResponding(epoch)

		started = o.now()
		audio, err := o.tts.Synthesize(ctx, reply.Text, voice.SynthesisOptions{
			SampleRate: snap.SampleRate,
			Voice:      reply.Voice,
		})
		if o.stale(ctx, s, epoch) {
			o.metrics.RecordTurn(outcomeDiscarded)
			return
		}
		if err != nil {
			o.fail(ctx, s, failure.Synthesis("synthesize", err))
			return
		}
		timing.MarkAudio()
		o.metrics.RecordStage(string(failure.StageSynthesis), o.now().Sub(started))

		msg, err := protocol.NewAudioResponseMessage(audio.Data, audio.Format, audio.SampleRate, audio.Duration)
		if err == nil {
			err = s.Send(msg)
		}
		if err != nil {
			log.Debug("audio response not delivered", zap.Error(err))
		} else {
			o.metrics.RecordMessage("out", string(protocol.TypeAudioResponse))
			o.metrics.RecordAudio("out", len(audio.Data))
		}
	}

	timing.MarkDone()
	o.record(ctx, s, snap, t, reply)
	o.metrics.RecordTurn(outcomeCompleted)
	log.Info("turn completed",
		zap.String("latency", timing.FormatLatency()),
		zap.String("sentiment", sentimentLabel(t.Sentiment)),
		zap.Bool("handoff", reply.Update.RequiresHandoff),
	)

	o.complete(ctx, s, reply.Update.RequiresHandoff)
}

// complete applies the end-of-turn transition.
func (o *Orchestrator) complete(ctx context.Context, s *session.Session, handoffRequested bool) {
	if _, err := s.Update(func(c session.Context) session.Context {
		if c.State != session.StateAwaitingRetry {
			return c
		}
		c.State = session.Next(c.State, session.TriggerRetrySuccess)
		c.RetryCount = 0
		return c
	}); err != nil {
		return
	}

	if !handoffRequested {
		return
	}
	if _, to, err := s.Fire(session.TriggerHandoffRequested); err == nil && to == session.StatePendingHandoff {
		o.escalate(ctx, s)
	}
}

// fail is the error path: classify, count, transition, then tell the
// caller whether to retry or that a specialist is coming.
func (o *Orchestrator) fail(ctx context.Context, s *session.Session, err error) {
	if ctx.Err() != nil || s.Closed() {
		return
	}

	kind := failure.Classify(err)
	o.metrics.RecordError(string(kind))
	o.metrics.RecordTurn(outcomeFailed)

	var from, to session.State
	cur, uerr := s.Update(func(c session.Context) session.Context {
		from = c.State
		trigger := session.TriggerForError(kind)
		c.RetryCount++
		c.LastError = kind
		if c.State == session.StateAwaitingRetry && c.RetryCount >= o.config.MaxRetries {
			trigger = session.TriggerRetryFailure
		}
		c.State = session.Next(c.State, trigger)
		to = c.State
		return c
	})
	if uerr != nil {
		return
	}

	s.Logger().Warn("turn failed",
		zap.String("kind", string(kind)),
		zap.Int("retry_count", cur.RetryCount),
		zap.String("state", string(to)),
		zap.Error(err),
	)

	if to == session.StatePendingHandoff && from != to {
		o.escalate(ctx, s)
		return
	}
	o.emitError(s, string(kind), callerMessage(kind), max(0, o.config.MaxRetries-cur.RetryCount))
}

func (o *Orchestrator) escalate(ctx context.Context, s *session.Session) {
	if err := o.handoff.Initiate(ctx, s); err != nil {
		s.Logger().Warn("handoff failed", zap.Error(err))
	}
}

// stale reports whether a collaborator result arrived for a turn that no
// longer owns the session.
func (o *Orchestrator) stale(ctx context.Context, s *session.Session, epoch uint64) bool {
	return ctx.Err() != nil || s.Closed() || s.VAD().Epoch() != epoch
}

func (o *Orchestrator) record(ctx context.Context, s *session.Session, snap session.Context, t voice.Transcript, reply voice.Reply) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	rec := voice.TurnRecord{
		SessionID:    s.ID(),
		ClientID:     s.ClientID(),
		CustomerText: t.Text,
		AIResponse:   reply.Text,
		Sentiment:    t.Sentiment,
		Voice:        reply.Voice.Voice,
		Context: map[string]any{
			"state":            string(snap.State),
			"retry_count":      snap.RetryCount,
			"history_length":   len(snap.History),
			"requires_handoff": reply.Update.RequiresHandoff,
			"metadata":         snap.Metadata,
		},
		StartedAt: snap.CreatedAt,
		Timestamp: o.now(),
	}
	if err := o.recorder.LogTurn(ctx, rec); err != nil {
		s.Logger().Warn("log turn", zap.Error(err))
	}
}

func (o *Orchestrator) submit(s *session.Session, fn func(ctx context.Context)) error {
	_, err := s.Submit(fn)
	if errors.Is(err, session.ErrQueueFull) {
		o.emitError(s, protocol.CodeBusy, "Still working on your last request", -1)
	}
	return err
}

func (o *Orchestrator) emit(s *session.Session, t protocol.MessageType, data any) {
	if err := s.Emit(t, data); err != nil {
		s.Logger().Debug("event not delivered", zap.String("type", string(t)), zap.Error(err))
		return
	}
	o.metrics.RecordMessage("out", string(t))
}

func (o *Orchestrator) emitError(s *session.Session, code, message string, retriesLeft int) {
	msg, err := protocol.NewErrorMessage(code, message, retriesLeft)
	if err == nil {
		err = s.Send(msg)
	}
	if err != nil {
		s.Logger().Debug("error not delivered", zap.String("code", code), zap.Error(err))
		return
	}
	o.metrics.RecordMessage("out", string(protocol.TypeError))
}

// callerMessage is the spoken-language text for a failure kind.
func callerMessage(k failure.Kind) string {
	switch k {
	case failure.KindSTT:
		return "Sorry, I had trouble hearing you. Please try again."
	case failure.KindAI:
		return "Sorry, I couldn't come up with an answer. Please try again."
	case failure.KindTTS:
		return "Sorry, I couldn't play my answer. Please try again."
	case failure.KindTimeout:
		return "Sorry, that took too long. Please try again."
	case failure.KindAuth:
		return "The service is temporarily unavailable."
	default:
		return "We hit a connection problem. Please try again."
	}
}

// repeats reports whether text is the late final of an utterance already
// answered with the partial answered.
func repeats(answered, text string) bool {
	if answered == "" {
		return false
	}
	a := strings.ToLower(strings.TrimSpace(answered))
	b := strings.ToLower(strings.TrimSpace(text))
	return strings.HasPrefix(b, a) || strings.HasPrefix(a, b)
}

func sentimentLabel(s *voice.Sentiment) string {
	if s == nil {
		return "neutral"
	}
	return s.Label()
}
