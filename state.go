package durable

import "github.com/luno/durable/internal/metrics"

type State string

const (
	StateUnknown  State = ""
	StateShutdown State = "Shutdown"
	StateRunning  State = "Running"
	StateIdle     State = "Idle"
)

func (s State) String() string {
	return string(s)
}

func (w *Worker) updateState(processName string, s State) {
	w.internalStateMu.Lock()
	defer w.internalStateMu.Unlock()

	switch s {
	case StateIdle:
		metrics.ProcessStates.WithLabelValues(w.name, processName).Set(2)
	case StateRunning:
		metrics.ProcessStates.WithLabelValues(w.name, processName).Set(1)
	case StateShutdown:
		metrics.ProcessStates.WithLabelValues(w.name, processName).Set(0.0)
	}

	w.internalState[processName] = s
}

// States returns the State of every process launched by the Worker keyed by process name.
func (w *Worker) States() map[string]State {
	w.internalStateMu.Lock()
	defer w.internalStateMu.Unlock()

	states := make(map[string]State)
	for k, v := range w.internalState {
		states[k] = v
	}

	return states
}
