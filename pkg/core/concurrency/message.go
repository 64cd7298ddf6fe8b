package concurrency

type messageKind uint8

const (
	msgWork messageKind = iota
	msgShutdown
)

func (k messageKind) String() string {
	switch k {
	case msgWork:
		return "work"
	case msgShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// dispatchMessage is either Work(job) or Shutdown.
// job is nil for Shutdown.
type dispatchMessage struct {
	kind messageKind
	job  *envelope
}

func workMessage(job *envelope) dispatchMessage {
	return dispatchMessage{kind: msgWork, job: job}
}

var shutdownMessage = dispatchMessage{kind: msgShutdown}
