package notify

import "context"

// Event reasons emitted by the response paths.
const (
	ReasonFlareConfirmed = "flare_confirmed"
	ReasonFlareCancelled = "flare_cancelled"
	ReasonFlareLocked    = "flare_locked"
)

// Event describes a response-state transition for downstream fan-out.
type Event struct {
	Reason    string `json:"reason"`
	CauserUID string `json:"causerUid"`
	FlareID   string `json:"flareId"`
}

// Notifier hands events to the external notification fan-out collaborator.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

type nopNotifier struct{}

// NewNopNotifier returns a Notifier that drops every event.
func NewNopNotifier() Notifier {
	return nopNotifier{}
}

func (nopNotifier) Publish(context.Context, Event) error { return nil }

func (nopNotifier) Close() {}
