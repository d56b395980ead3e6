package durable

import (
	"container/list"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// pendingBatch groups the messages of one instance that arrived while no session was active for it. The
// execution id and runtime state can each be assigned only once.
type pendingBatch struct {
	queue       ControlQueue
	instanceID  string
	executionID string

	messages       MessageCollection
	state          *RuntimeState
	eTag           string
	lastCheckpoint time.Time

	// elem is the batch's position in the pendingIndex and is nil while the batch is not indexed.
	elem *list.Element
}

func newPendingBatch(q ControlQueue, instanceID, executionID string) *pendingBatch {
	return &pendingBatch{
		queue:       q,
		instanceID:  instanceID,
		executionID: executionID,
	}
}

func (b *pendingBatch) setExecutionID(id string) error {
	if b.executionID != "" {
		return errors.Wrap(ErrExecutionIDAlreadySet, "", j.MKV{
			"instance_id":  b.instanceID,
			"execution_id": b.executionID,
			"attempted":    id,
		})
	}

	b.executionID = id
	return nil
}

func (b *pendingBatch) setState(h *History) error {
	if b.state != nil {
		return errors.Wrap(ErrRuntimeStateAlreadySet, "", j.MKV{
			"instance_id":  b.instanceID,
			"execution_id": b.executionID,
		})
	}

	b.state = NewRuntimeState(h.Events)
	b.eTag = h.ETag
	b.lastCheckpoint = h.LastCheckpointTime
	return nil
}

// pendingIndex keeps pending batches in creation order. Lookups walk from the newest batch backwards as messages
// for the same instance tend to arrive together.
type pendingIndex struct {
	batches *list.List
}

func newPendingIndex() *pendingIndex {
	return &pendingIndex{batches: list.New()}
}

func (p *pendingIndex) push(b *pendingBatch) {
	b.elem = p.batches.PushBack(b)
}

func (p *pendingIndex) remove(b *pendingBatch) {
	if b.elem == nil {
		return
	}

	p.batches.Remove(b.elem)
	b.elem = nil
}

// find returns the newest batch the message identity belongs to. An empty executionID matches any batch of the
// instance. A batch without an execution id adopts the executionID of the first message that claims it.
func (p *pendingIndex) find(instanceID, executionID string) (*pendingBatch, error) {
	for e := p.batches.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*pendingBatch)
		if b.instanceID != instanceID {
			continue
		}

		if executionID == "" || b.executionID == executionID {
			return b, nil
		}

		if b.executionID == "" {
			if err := b.setExecutionID(executionID); err != nil {
				return nil, err
			}

			return b, nil
		}
	}

	return nil, nil
}

func (p *pendingIndex) Len() int {
	return p.batches.Len()
}

func (p *pendingIndex) messageCount() int {
	var n int
	for e := p.batches.Front(); e != nil; e = e.Next() {
		n += e.Value.(*pendingBatch).messages.Len()
	}

	return n
}
