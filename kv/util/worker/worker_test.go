package worker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	started bool
	tasks   []Task
}

func (r *recorder) Start() {
	r.started = true
}

func (r *recorder) Handle(t Task) {
	r.tasks = append(r.tasks, t)
}

func TestWorkerRunsTasksInOrder(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("test", &wg)
	r := &recorder{}
	w.Start(r)
	for i := 0; i < 10; i++ {
		w.Sender() <- i
	}
	assert.True(t, w.Schedule(10))
	w.Stop()
	wg.Wait()

	assert.True(t, r.started)
	assert.Len(t, r.tasks, 11)
	for i, task := range r.tasks {
		assert.Equal(t, i, task)
	}
}

func TestScheduleOnFullQueue(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("full", &wg)
	for i := 0; i < defaultWorkerCapacity; i++ {
		assert.True(t, w.Schedule(i))
	}
	assert.False(t, w.Schedule("one too many"))

	var handled int
	w.Start(TaskHandlerFunc(func(Task) { handled++ }))
	// The full queue leaves no room for TaskStop until the worker drains it.
	w.Stop()
	wg.Wait()
	assert.Equal(t, defaultWorkerCapacity, handled)
}
