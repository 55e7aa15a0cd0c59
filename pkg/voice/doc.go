// Package voice defines the collaborator contracts used by a voice-support
// call and the values that flow between them.
//
// A turn moves through three collaborators in order:
//
//   - Transcriber turns streamed caller audio into text
//   - Reasoner produces a reply from the transcript and conversation history
//   - Synthesizer renders the reply as audio
//
// A Recorder persists each completed turn and closes the session record when
// the call ends. Implementations live in the stt, reasoning, tts and store
// packages; each of those also ships an in-package Mock for tests.
//
// # Latency
//
// TurnTiming records the stage boundaries of one turn:
//
//	timing := voice.StartTurn()
//	transcript, _ := transcriber.Finalize(ctx, id)
//	timing.MarkTranscript()
//	reply, _ := reasoner.Respond(ctx, req)
//	timing.MarkReply()
//	audio, _ := synthesizer.Synthesize(ctx, reply.Text, opts)
//	timing.MarkAudio()
//	timing.MarkDone()
//	fmt.Println(timing.FormatLatency())
package voice
