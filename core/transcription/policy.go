package transcription

import "time"

const (
	DefaultSilenceWindow = 1500 * time.Millisecond
	DefaultRestartDelay  = 250 * time.Millisecond
)

// RestartPolicy controls segment rotation. A new segment is started Delay
// after the previous one ended. MaxAttempts bounds the number of consecutive
// restarts that produce no result; zero restarts forever.
type RestartPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{Delay: DefaultRestartDelay}
}

func (p RestartPolicy) allows(attempt int) bool {
	return p.MaxAttempts <= 0 || attempt <= p.MaxAttempts
}

func (p RestartPolicy) delay() time.Duration {
	if p.Delay <= 0 {
		return DefaultRestartDelay
	}
	return p.Delay
}

type timer interface {
	Stop() bool
}

type clock interface {
	AfterFunc(d time.Duration, f func()) timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}
