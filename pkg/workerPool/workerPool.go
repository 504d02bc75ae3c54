// Package workerpool runs short CPU bound jobs on a fixed set of
// goroutines. Jobs are grouped in rooms; each room collects the results of
// its own jobs.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	ErrGlobalBufferFull = errors.New("workerpool: global buffer is full")
	ErrRoomBufferFull   = errors.New("workerpool: room buffer is full")
	ErrPoolClosed       = errors.New("workerpool: pool closed")
)

type WorkerPool struct {
	config    Config
	taskQueue chan Task
	closeOnce sync.Once
	closed    atomic.Bool
	workers   sync.WaitGroup
	done      atomic.Uint64
}

type Config struct {
	WorkerCount  int // defaults to the number of CPUs
	GlobalBuffer int
}

// Room groups tasks whose results are collected together. Results arrive in
// completion order, not submission order.
type Room struct {
	result               []any
	resultMutex          sync.Mutex
	asyncCollectorWait   sync.WaitGroup
	asyncCollectorActive atomic.Bool
	resultChan           chan any
	wg                   sync.WaitGroup
	wp                   *WorkerPool
}

type Task struct {
	run  func() any
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
		wp.done.Add(1)
	}
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	return wp.config.WorkerCount
}

// Completed returns the number of tasks finished since the pool started.
func (wp *WorkerPool) Completed() uint64 {
	return wp.done.Load()
}

// Close stops accepting tasks and waits for queued ones to finish. Rooms
// with pending tasks must be collected for Close to return.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.closed.Store(true)
		close(wp.taskQueue)
	})
	wp.workers.Wait()
}

// CreateRoom returns a room buffering up to size results. Use
// AsyncCollector when a room takes more tasks than that.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	if size < 1 {
		size = 1
	}
	return &Room{
		resultChan: make(chan any, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global buffer is
// full or until ctx is done.
func (ro *Room) NewTaskWaitForFreeSlot(ctx context.Context, job func() any) error {
	if ro.wp.closed.Load() {
		return ErrPoolClosed
	}
	ro.wg.Add(1)
	select {
	case ro.wp.taskQueue <- Task{run: job, room: ro}:
		return nil
	case <-ctx.Done():
		ro.wg.Done()
		return ctx.Err()
	}
}

// NewTask queues job without blocking.
func (ro *Room) NewTask(job func() any) error {
	if ro.wp.closed.Load() {
		return ErrPoolClosed
	}
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return ErrGlobalBufferFull
	}

	if !ro.asyncCollectorActive.Load() && len(ro.resultChan) == cap(ro.resultChan) {
		return ErrRoomBufferFull
	}

	return ro.NewTaskWaitForFreeSlot(context.Background(), job)
}

// Collect waits for every queued task and returns the results.
func (ro *Room) Collect() []any {
	go ro.waitAndClose()
	results := make([]any, 0, cap(ro.resultChan))

	for result := range ro.resultChan {
		results = append(results, result)
	}

	return results
}

// AsyncCollector drains results in the background so the room can take
// more tasks than its buffer holds. Call it before submitting.
func (ro *Room) AsyncCollector() {
	if !ro.asyncCollectorActive.CompareAndSwap(false, true) {
		return
	}
	ro.asyncCollectorWait.Add(1)

	go func() {
		defer ro.asyncCollectorWait.Done()

		for result := range ro.resultChan {
			ro.resultMutex.Lock()
			ro.result = append(ro.result, result)
			ro.resultMutex.Unlock()
		}
	}()
}

// GetAsyncResults waits for every queued task and returns what the
// AsyncCollector gathered.
func (ro *Room) GetAsyncResults() []any {
	go ro.waitAndClose()
	ro.asyncCollectorWait.Wait()

	ro.resultMutex.Lock()
	defer ro.resultMutex.Unlock()

	return ro.result
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
