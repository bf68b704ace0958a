package queue_test

import (
	"testing"

	"github.com/meikuraledutech/casegraph/queue"
	"github.com/meikuraledutech/casegraph/queue/queuetest"
)

var (
	_ queue.Backend  = (*queue.Memory)(nil)
	_ queue.Notifier = (*queue.Memory)(nil)
)

func TestMemoryConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Backend { return queue.NewMemory() })
}
