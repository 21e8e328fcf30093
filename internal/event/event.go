package event

// Kind names one of the event streams carried by the bus.
type Kind string

const (
	KindProgress Kind = "ssh:progress"
	KindStdout   Kind = "ssh:stdout"
	KindDone     Kind = "ssh:done"
)

// Status is the state reported by a progress event.
type Status string

const (
	StatusRunning   Status = "running"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Event is one message emitted by the execution backend. Every event is
// stamped with the id of the task it belongs to.
type Event interface {
	Kind() Kind
	ID() string
}

// Progress reports a status change of a task.
type Progress struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
}

func (e Progress) Kind() Kind  { return KindProgress }
func (e Progress) ID() string { return e.TaskID }

// Stdout carries one fragment of a task's output. Fragments of the same task
// are order-significant.
type Stdout struct {
	TaskID string `json:"task_id"`
	Chunk  string `json:"chunk"`
}

func (e Stdout) Kind() Kind  { return KindStdout }
func (e Stdout) ID() string { return e.TaskID }

// Done is the terminal event of a task.
type Done struct {
	TaskID   string `json:"task_id"`
	ExitCode int    `json:"exit_code"`
}

func (e Done) Kind() Kind  { return KindDone }
func (e Done) ID() string { return e.TaskID }

// Envelope is the wire form of an event, used by transports that need the
// kind alongside the payload.
type Envelope struct {
	Kind    Kind  `json:"kind"`
	Payload Event `json:"payload"`
}

// Wrap builds the wire envelope for e.
func Wrap(e Event) Envelope {
	return Envelope{Kind: e.Kind(), Payload: e}
}
