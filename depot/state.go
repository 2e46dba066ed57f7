package depot

import "fmt"

// UploadState is the explicit state of one upload attempt. The pipeline is a
// tagged state machine rather than nested branching so every terminal and
// intermediate state is independently observable in tests.
type UploadState int

const (
	// StateReceived is the initial state: bytes are arriving.
	StateReceived UploadState = iota
	// StateValidating covers checksumming and metadata extraction, before
	// the identifier lock is taken.
	StateValidating
	// StateLocked means the per-identifier lock is held.
	StateLocked
	// StateBlobCommitting means artifact bytes are being made durable.
	StateBlobCommitting
	// StateIndexCommitting means derived views are being updated.
	StateIndexCommitting
	// StatePublished is the successful terminal state.
	StatePublished
	// StateRejected is the terminal state for validation failures; no side
	// effects were made.
	StateRejected
	// StateAborted is the terminal state for failures after the lock was
	// acquired; staging state is cleaned up and the lock released.
	StateAborted
)

func (s UploadState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidating:
		return "validating"
	case StateLocked:
		return "locked"
	case StateBlobCommitting:
		return "blob-committing"
	case StateIndexCommitting:
		return "index-committing"
	case StatePublished:
		return "published"
	case StateRejected:
		return "rejected"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("UploadState(%d)", int(s))
	}
}

// Terminal reports whether the state ends the attempt.
func (s UploadState) Terminal() bool {
	return s == StatePublished || s == StateRejected || s == StateAborted
}

// legalTransitions is the full transition relation of the upload machine.
var legalTransitions = map[UploadState][]UploadState{
	StateReceived:        {StateValidating},
	StateValidating:      {StateLocked, StateRejected},
	StateLocked:          {StateBlobCommitting, StateRejected, StateAborted},
	StateBlobCommitting:  {StateIndexCommitting, StateAborted},
	StateIndexCommitting: {StatePublished, StateAborted},
}

// uploadRun tracks one attempt through the machine and rejects illegal
// transitions, which would indicate a pipeline bug.
type uploadRun struct {
	state   UploadState
	history []UploadState
}

func newUploadRun() *uploadRun {
	return &uploadRun{state: StateReceived, history: []UploadState{StateReceived}}
}

// to moves the run to the next state, panicking on a transition the relation
// does not allow. A panic here is a programming error, never load-dependent.
func (r *uploadRun) to(next UploadState) {
	for _, allowed := range legalTransitions[r.state] {
		if allowed == next {
			r.state = next
			r.history = append(r.history, next)
			return
		}
	}
	panic(fmt.Sprintf("illegal upload transition %s -> %s", r.state, next))
}
