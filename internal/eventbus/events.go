package eventbus

// Kind names one of the lifecycle events from §4.7.
type Kind string

const (
	Scheduled Kind = "scheduled"
	RunStart  Kind = "run"
	Completed Kind = "completed"
	Canceled  Kind = "canceled"
	ErrorEvt  Kind = "error"
	Stalled   Kind = "stalled"
	Retry     Kind = "retry"
	Progress  Kind = "progress"
	Paused    Kind = "paused"
	Resumed   Kind = "resumed"
	Drain     Kind = "drain"
	Shutdown  Kind = "shutdown"
)

// Payload is the structured body carried by every event. Fields not
// applicable to a given Kind are left zero.
type Payload struct {
	Kind      Kind
	RunID     string
	TriggerID string
	Job       string
	Attempt   int
	Progress  int
	Error     string
	Reason    string
	Graceful  bool
}
