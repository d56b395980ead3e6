package durable

// Task is the handle of an asynchronous operation started by an orchestrator. Awaiting a task replays history
// until the task is resolved.
type Task struct {
	octx *OrchestrationContext

	id      int
	name    string
	version string

	done   bool
	result string
	err    error

	onComplete []func()
}

func newTask(octx *OrchestrationContext, id int, name, version string) *Task {
	return &Task{
		octx:    octx,
		id:      id,
		name:    name,
		version: version,
	}
}

// ID is the sequence id of the action that created the task or -1 for tasks not backed by an action.
func (t *Task) ID() int {
	return t.id
}

func (t *Task) IsComplete() bool {
	return t.done
}

// Await blocks the orchestrator until the task is resolved and decodes the result into v. The orchestrator is
// suspended, and Await does not return, when the history does not yet contain the task's result.
func (t *Task) Await(v any) error {
	for !t.done {
		t.octx.processNextEvent()
	}

	if t.err != nil {
		return t.err
	}

	return Unmarshal(t.result, v)
}

func (t *Task) complete(result string) {
	if t.done {
		return
	}

	t.done = true
	t.result = result
	t.fireCompleted()
}

func (t *Task) fail(err error) {
	if t.done {
		return
	}

	t.done = true
	t.err = err
	t.fireCompleted()
}

func (t *Task) cancel() {
	t.fail(ErrTaskCanceled)
}

func (t *Task) fireCompleted() {
	for _, fn := range t.onComplete {
		fn()
	}
	t.onComplete = nil
}

func completedTask(octx *OrchestrationContext, result string) *Task {
	t := newTask(octx, -1, "", "")
	t.complete(result)
	return t
}

func failedTask(octx *OrchestrationContext, err error) *Task {
	t := newTask(octx, -1, "", "")
	t.fail(err)
	return t
}

// CancellationToken cancels the timers it is attached to. A canceled timer's task resolves with ErrTaskCanceled.
type CancellationToken struct {
	canceled  bool
	callbacks []func()
}

func NewCancellationToken() *CancellationToken {
	return &CancellationToken{}
}

func (c *CancellationToken) Cancel() {
	if c.canceled {
		return
	}

	c.canceled = true
	for _, fn := range c.callbacks {
		fn()
	}
	c.callbacks = nil
}

func (c *CancellationToken) IsCanceled() bool {
	return c.canceled
}

func (c *CancellationToken) register(fn func()) {
	if c.canceled {
		fn()
		return
	}

	c.callbacks = append(c.callbacks, fn)
}
