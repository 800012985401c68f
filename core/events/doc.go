// Package events defines the typed event contract of the voice pipeline.
//
// Event kinds are grouped by receiver-facing namespaces:
//
//   - user_input.*
//   - assistant_response.*
//   - assistant_speech.*
//   - assistant_playback.*
//   - conversation.*
//   - status.*
//
// Semantics used across the package:
//
//   - Segment: append-only text piece emitted in stream order.
//   - Updated: mutable point-in-time snapshot that can change over time.
//   - Final: terminal state for the current stream.
//   - Ended: lifecycle boundary indicating completion.
//
// user_input events
//
//   - UserTranscriptUpdated (user_input.transcript_updated): committed plus
//     live transcript snapshot.
//   - UserTurnEnded (user_input.turn_ended): silence window elapsed after the
//     last final phrase.
//   - UserCaptureFailed (user_input.capture_failed): listening stopped because
//     of an unrecoverable error.
//
// assistant_response events
//
//   - AssistantResponseStarted (assistant_response.started): completion stream
//     requested.
//   - AssistantResponseSegment (assistant_response.segment): streamed text delta.
//   - AssistantResponseFinal (assistant_response.final): stream completed,
//     failed or was cancelled by a newer turn.
//
// assistant_speech events
//
//   - AssistantSpeechSentence (assistant_speech.sentence): sentence dispatched
//     to synthesis with its index.
//   - AssistantSpeechFailed (assistant_speech.failed): synthesis of a sentence
//     failed.
//   - AssistantSpeechFallback (assistant_speech.fallback): the full response is
//     spoken by the fallback speaker.
//
// assistant_playback events
//
//   - AssistantPlaybackStarted (assistant_playback.started): first clip of the
//     response started playing.
//   - AssistantPlaybackEnded (assistant_playback.ended): last clip finished
//     after the response was finalized.
//   - AssistantPlaybackFailed (assistant_playback.failed): a clip failed to play.
//
// conversation events
//
//   - ConversationMessageAppended (conversation.message_appended)
//   - ConversationMessageUpdated (conversation.message_updated)
//   - ConversationReset (conversation.reset)
//
// status events
//
//   - StatusChanged (status.changed): idle, listening, thinking or speaking.
//   - Warning (status.warning): user visible warning text.
package events
