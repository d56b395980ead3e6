package durable

import (
	"context"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/durable/internal/metrics"
)

type startVerdict int

const (
	startKeep    startVerdict = 1
	startDiscard startVerdict = 2
	startDefer   startVerdict = 3
	startPoison  startVerdict = 4
)

func (v startVerdict) String() string {
	switch v {
	case startKeep:
		return "keep"
	case startDiscard:
		return "discard"
	case startDefer:
		return "defer"
	case startPoison:
		return "poison"
	default:
		return "unknown"
	}
}

// classifyStart decides what to do with a message starting a top level execution given the instance record
// (nil when none exists). Records are written after the start message is enqueued so a missing or mismatched
// record is only conclusive when timing proves the message is a re-delivery, or when the message has been
// dequeued poisonThreshold times without resolving.
func classifyStart(msg *Message, remote *InstanceState, visibilityTimeout time.Duration, poisonThreshold int) startVerdict {
	if remote != nil && strings.EqualFold(msg.Instance.ExecutionID, remote.Instance.ExecutionID) {
		return startKeep
	}

	if scheduledAfterInstanceUpdate(msg, remote, visibilityTimeout) {
		return startDiscard
	}

	if msg.DequeueCount >= int64(poisonThreshold) {
		return startPoison
	}

	return startDefer
}

// scheduledAfterInstanceUpdate reports whether msg was enqueued, or re-enqueued, after the instance record was
// written.
func scheduledAfterInstanceUpdate(msg *Message, remote *InstanceState, visibilityTimeout time.Duration) bool {
	if remote == nil {
		return false
	}

	if remote.CreatedAt.Before(msg.Timestamp()) {
		return true
	}

	// The time of re-insertion is only known once the message has been dequeued before.
	if msg.DequeueCount <= 1 || msg.NextVisibleTime.IsZero() {
		return false
	}

	latestReinsert := msg.NextVisibleTime.Add(-visibilityTimeout)
	return latestReinsert.After(remote.CreatedAt)
}

// filterExecutionStarted splits off the messages starting new top level executions and validates them in the
// background. The remaining messages are returned for immediate routing.
func (m *SessionManager) filterExecutionStarted(ctx context.Context, q ControlQueue, msgs []*Message) []*Message {
	var (
		starts []*Message
		others = make([]*Message, 0, len(msgs))
	)

	for _, msg := range msgs {
		if msg.IsExecutionStarted() {
			starts = append(starts, msg)
			continue
		}

		others = append(others, msg)
	}

	if len(starts) > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.dedupeExecutionStarted(ctx, q, starts)
		}()
	}

	return others
}

func (m *SessionManager) dedupeExecutionStarted(ctx context.Context, q ControlQueue, starts []*Message) {
	var ids []string
	seen := make(map[string]bool)
	for _, msg := range starts {
		id := msg.Instance.InstanceID
		if seen[id] {
			continue
		}

		seen[id] = true
		ids = append(ids, id)
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.opts.storeTimeout)
	states, err := m.store.GetStates(storeCtx, ids)
	cancel()
	if ctx.Err() != nil {
		return
	} else if err != nil {
		m.logger.Error(ctx, errors.Wrap(err, "lookup instance states", j.MKV{
			"queue":     q.Name(),
			"instances": len(ids),
		}))

		// Without the records no message can be validated so all of them are retried later.
		for _, msg := range starts {
			m.abandon(ctx, q, msg)
		}

		return
	}

	remote := make(map[string]*InstanceState, len(states))
	for i := range states {
		remote[states[i].Instance.InstanceID] = &states[i]
	}

	var keep []*Message
	for _, msg := range starts {
		verdict := classifyStart(msg, remote[msg.Instance.InstanceID], q.VisibilityTimeout(), m.opts.poisonThreshold)
		metrics.StartDedupe.WithLabelValues(q.Name(), verdict.String()).Inc()

		switch verdict {
		case startKeep:
			keep = append(keep, msg)
		case startDefer:
			m.abandon(ctx, q, msg)
		case startDiscard, startPoison:
			meta := messageMeta(msg)
			meta["verdict"] = verdict.String()
			m.logger.Warn(ctx, "duplicate execution started message detected", meta)

			if err := q.Delete(ctx, msg); err != nil {
				m.logger.Error(ctx, errors.Wrap(err, "delete duplicate message", toMKV(meta)))
			}
		}
	}

	if len(keep) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.addToPending(ctx, q, keep)
}

func (m *SessionManager) abandon(ctx context.Context, q ControlQueue, msg *Message) {
	err := q.Abandon(ctx, msg)
	if err != nil && ctx.Err() == nil {
		m.logger.Error(ctx, errors.Wrap(err, "abandon message", toMKV(messageMeta(msg))))
	}
}
