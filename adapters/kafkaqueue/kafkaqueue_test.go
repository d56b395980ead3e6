package kafkaqueue_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/luno/durable"
	"github.com/luno/durable/adapters/adaptertest"
	"github.com/luno/durable/adapters/kafkaqueue"
)

func TestKafkaControlQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a kafka broker on localhost:9092")
	}

	adaptertest.RunControlQueueTest(t, func(t *testing.T) durable.ControlQueue {
		q := kafkaqueue.New([]string{"localhost:9092"}, "durable-test-"+uuid.New().String())
		t.Cleanup(func() {
			_ = q.Close()
		})

		return q
	})
}
