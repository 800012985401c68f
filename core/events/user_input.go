package events

const (
	// KindUserTranscriptUpdated identifies mutable transcript snapshots.
	KindUserTranscriptUpdated Kind = "user_input.transcript_updated"
	// KindUserTurnEnded identifies the end of the user's turn after silence.
	KindUserTurnEnded Kind = "user_input.turn_ended"
	// KindUserCaptureFailed identifies a capture failure that stopped listening.
	KindUserCaptureFailed Kind = "user_input.capture_failed"
)

// UserTranscriptUpdated carries the committed plus live transcript.
type UserTranscriptUpdated struct {
	Base
	Transcript string
}

func NewUserTranscriptUpdated(transcript string) UserTranscriptUpdated {
	return UserTranscriptUpdated{Base: NewBase(KindUserTranscriptUpdated), Transcript: transcript}
}

// UserTurnEnded carries the transcript of the finished turn, untrimmed.
type UserTurnEnded struct {
	Base
	Transcript string
}

func NewUserTurnEnded(transcript string) UserTurnEnded {
	return UserTurnEnded{Base: NewBase(KindUserTurnEnded), Transcript: transcript}
}

type UserCaptureFailed struct {
	Base
	Err error
}

func NewUserCaptureFailed(err error) UserCaptureFailed {
	return UserCaptureFailed{Base: NewBase(KindUserCaptureFailed), Err: err}
}
