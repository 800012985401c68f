package speechtotext

import "context"

// Recognizer starts recognition segments. Each call to Recognize begins a new
// segment that lives until it is stopped or the engine ends it.
type Recognizer interface {
	Recognize(ctx context.Context, opts ...RecognitionOption) (Segment, error)
}

// Segment is one continuous run of the recognition engine.
type Segment interface {
	SendAudio(audio []byte) error
	// Stop ends the segment. The end callback still fires.
	Stop() error
}

// Result is a single phrase hypothesis.
type Result struct {
	Transcript string
	IsFinal    bool
	Confidence float64
}

// ResultEvent mirrors the cumulative results list of a segment. Results
// before ResultIndex are unchanged since the previous event.
type ResultEvent struct {
	ResultIndex int
	Results     []Result
}

// HasFinal reports whether any changed result is final.
func (e ResultEvent) HasFinal() bool {
	for i := max(e.ResultIndex, 0); i < len(e.Results); i++ {
		if e.Results[i].IsFinal {
			return true
		}
	}
	return false
}
