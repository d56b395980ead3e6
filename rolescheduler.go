package durable

import (
	"context"
	"strings"
)

// RoleScheduler decides which Worker owns each partition. Implementations should all be tested with
// adaptertest.RunRoleSchedulerTest.
type RoleScheduler interface {
	// Await must return a child context of the provided (parent) context. Await should block until the role is
	// assigned to the caller. Only one caller should be able to be assigned the role at any given time. The
	// returned context is cancelled when the role is lost and the returned context.CancelFunc gives the role up.
	Await(ctx context.Context, role string) (context.Context, context.CancelFunc, error)
}

func makeRole(inputs ...string) string {
	joined := strings.Join(inputs, "-")
	lowered := strings.ToLower(joined)
	filled := strings.Replace(lowered, " ", "_", -1)
	return filled
}
