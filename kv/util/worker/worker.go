package worker

import (
	"sync"

	"github.com/chronodb/chronodb/log"
)

type TaskStop struct{}

type Task interface{}

// Worker runs tasks one at a time on a single goroutine, in the order they were scheduled.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

// TaskHandlerFunc adapts a function to a TaskHandler.
type TaskHandlerFunc func(t Task)

func (f TaskHandlerFunc) Handle(t Task) {
	f(t)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for t := range w.receiver {
			if _, ok := t.(TaskStop); ok {
				log.Debugf("worker %s stopped", w.name)
				return
			}
			handler.Handle(t)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Schedule queues t without blocking, false when the queue is full.
func (w *Worker) Schedule(t Task) bool {
	select {
	case w.sender <- t:
		return true
	default:
		log.Warnf("worker %s is busy, task %T dropped", w.name, t)
		return false
	}
}

// Stop lets the worker finish the queued tasks and exit.
func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}
