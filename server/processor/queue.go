package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/san-kum/drive-score/server/models"
)

var ErrQueueFull = errors.New("processing queue full, try again later")

// ProcessingQueue runs trip analyses on a fixed pool of workers so a burst
// of trip completions cannot monopolise the CPU.
type ProcessingQueue struct {
	items     chan *QueueItem
	workers   int
	wg        sync.WaitGroup
	shutdown  chan struct{}
	isRunning bool
	mutex     sync.RWMutex
}

// QueueItem is one analysis job. Run is called on a worker goroutine and its
// result is delivered on ResultChan, which must be buffered.
type QueueItem struct {
	TripID     string
	Run        func(ctx context.Context) models.TripAnalysis
	Ctx        context.Context
	ResultChan chan *ProcessingResult
	StartTime  time.Time
}

type ProcessingResult struct {
	Analysis *models.TripAnalysis
	Error    error
}

func NewProcessingQueue(queueSize, workers int) *ProcessingQueue {
	if workers <= 0 {
		workers = 1
	}
	queue := &ProcessingQueue{
		items:     make(chan *QueueItem, queueSize),
		workers:   workers,
		shutdown:  make(chan struct{}),
		isRunning: true,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker()
	}

	return queue
}

func (pq *ProcessingQueue) worker() {
	defer pq.wg.Done()

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				pq.process(item)
			}
		case <-pq.shutdown:
			return
		}
	}
}

func (pq *ProcessingQueue) process(item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			item.deliver(&ProcessingResult{Error: fmt.Errorf("worker panic: %v", r)})
		}
	}()

	ctx := item.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		item.deliver(&ProcessingResult{Error: err})
		return
	}

	analysis := item.Run(ctx)
	item.deliver(&ProcessingResult{Analysis: &analysis})
}

func (item *QueueItem) deliver(result *ProcessingResult) {
	select {
	case item.ResultChan <- result:
	default:
	}
}

// Enqueue never blocks. It returns ErrQueueFull when the buffer is full or
// the queue is shut down.
func (pq *ProcessingQueue) Enqueue(item *QueueItem) error {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	if !pq.isRunning {
		return ErrQueueFull
	}

	select {
	case pq.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

func (pq *ProcessingQueue) Size() int {
	return len(pq.items)
}

func (pq *ProcessingQueue) Capacity() int {
	return cap(pq.items)
}

func (pq *ProcessingQueue) IsRunning() bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	return pq.isRunning
}

// Shutdown stops the workers and fails anything still queued.
func (pq *ProcessingQueue) Shutdown(timeout time.Duration) error {
	pq.mutex.Lock()
	if !pq.isRunning {
		pq.mutex.Unlock()
		return nil
	}
	pq.isRunning = false
	pq.mutex.Unlock()

	close(pq.shutdown)

	done := make(chan struct{})
	go func() {
		pq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		pq.drain()
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (pq *ProcessingQueue) drain() int {
	drained := 0
	for {
		select {
		case item := <-pq.items:
			if item != nil {
				item.deliver(&ProcessingResult{
					Error: fmt.Errorf("processing cancelled - queue shutting down"),
				})
				drained++
			}
		default:
			return drained
		}
	}
}

func (pq *ProcessingQueue) GetQueueStats() QueueStats {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	stats := QueueStats{
		CurrentSize:   pq.Size(),
		MaxCapacity:   pq.Capacity(),
		ActiveWorkers: pq.workers,
		IsRunning:     pq.isRunning,
	}
	if stats.MaxCapacity > 0 {
		stats.UtilizationPercent = float64(stats.CurrentSize) / float64(stats.MaxCapacity) * 100
	}
	return stats
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
