package events

const (
	// KindStatusChanged identifies a change of the derived pipeline status.
	KindStatusChanged Kind = "status.changed"
	// KindWarning identifies a user visible warning.
	KindWarning Kind = "status.warning"
)

type StatusChanged struct {
	Base
	Status string
}

func NewStatusChanged(status string) StatusChanged {
	return StatusChanged{Base: NewBase(KindStatusChanged), Status: status}
}

type Warning struct {
	Base
	Message string
}

func NewWarning(message string) Warning {
	return Warning{Base: NewBase(KindWarning), Message: message}
}
