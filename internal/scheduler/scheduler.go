package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/busybox42/zapcast/internal/campaign"
)

// Scheduler routes recipient tasks into four priority lanes and hands them
// out to dispatch workers. Tasks are FIFO within a lane; across lanes a
// weighted round (see laneWeights) prefers higher lanes without ever
// starving lower ones. Deferred tasks (retry backoff, rate-limit defer)
// re-enter at the tail of their lane once their ready time arrives, never
// at the head.
type Scheduler struct {
	mu      sync.Mutex
	lanes   [numLanes][]*campaign.Task
	delayed delayQueue
	credits [numLanes]int
	tierMap TierMap
	wakeCh  chan struct{}
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a scheduler with the given tier mapping
func New(tierMap TierMap) *Scheduler {
	if tierMap == nil {
		tierMap = DefaultTierMap
	}
	s := &Scheduler{
		tierMap: tierMap,
		wakeCh:  make(chan struct{}, 1),
		logger:  slog.Default().With("component", "scheduler"),
		now:     time.Now,
	}
	s.resetCredits()
	return s
}

// Submit enqueues tasks for a tenant. The tier is resolved to a lane once
// per call, not per task.
func (s *Scheduler) Submit(tier string, tasks []*campaign.Task) {
	if len(tasks) == 0 {
		return
	}
	lane := s.tierMap(tier)

	s.mu.Lock()
	s.lanes[lane] = append(s.lanes[lane], tasks...)
	s.mu.Unlock()
	s.wake()

	s.logger.Debug("tasks submitted",
		"lane", lane.String(),
		"count", len(tasks))
}

// SubmitAfter parks a task until the delay elapses and then re-enqueues it
// at the tail of its lane
func (s *Scheduler) SubmitAfter(task *campaign.Task, lane Lane, delay time.Duration) {
	readyAt := s.now().Add(delay)

	s.mu.Lock()
	heap.Push(&s.delayed, &delayedTask{task: task, lane: lane, readyAt: readyAt})
	s.mu.Unlock()
	s.wake()

	s.logger.Debug("task deferred",
		"task_id", task.ID,
		"lane", lane.String(),
		"ready_at", readyAt.Format(time.RFC3339))
}

// Next blocks until a task is ready and claims it. Returns a nil task when
// the context is cancelled. Exactly one worker receives any given task.
func (s *Scheduler) Next(ctx context.Context) (*campaign.Task, Lane) {
	for {
		s.mu.Lock()
		s.promoteDue()
		task, lane, ok := s.pick()
		wait := s.nextWake()
		s.mu.Unlock()

		if ok {
			return task, lane
		}

		var timer *time.Timer
		var timerCh <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, 0
		case <-s.wakeCh:
		case <-timerCh:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Remove drops every unclaimed task of a campaign from the lanes and the
// delay queue. Used on pause and delete; in-flight tasks are unaffected.
// Returns the number of tasks dropped.
func (s *Scheduler) Remove(campaignID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for i := range s.lanes {
		kept := s.lanes[i][:0]
		for _, t := range s.lanes[i] {
			if t.CampaignID == campaignID {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		s.lanes[i] = kept
	}

	kept := s.delayed[:0]
	for _, d := range s.delayed {
		if d.task.CampaignID == campaignID {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	s.delayed = kept
	heap.Init(&s.delayed)

	if removed > 0 {
		s.logger.Info("unclaimed tasks dropped",
			"campaign_id", campaignID,
			"count", removed)
	}
	return removed
}

// Depths returns the number of ready tasks per lane, for metrics
func (s *Scheduler) Depths() [numLanes]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var depths [numLanes]int
	for i := range s.lanes {
		depths[i] = len(s.lanes[i])
	}
	return depths
}

// Len returns the total number of ready and deferred tasks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.delayed)
	for i := range s.lanes {
		n += len(s.lanes[i])
	}
	return n
}

// pick claims the next task under the weighted round. Callers hold s.mu.
func (s *Scheduler) pick() (*campaign.Task, Lane, bool) {
	for pass := 0; pass < 2; pass++ {
		for i := Lane(0); i < numLanes; i++ {
			if len(s.lanes[i]) > 0 && s.credits[i] > 0 {
				task := s.lanes[i][0]
				s.lanes[i] = s.lanes[i][1:]
				s.credits[i]--
				return task, i, true
			}
		}
		// every backlogged lane exhausted its credits; new round
		s.resetCredits()
	}
	return nil, 0, false
}

// promoteDue moves delayed tasks whose ready time arrived to their lane
// tails. Callers hold s.mu.
func (s *Scheduler) promoteDue() {
	now := s.now()
	for len(s.delayed) > 0 && !s.delayed[0].readyAt.After(now) {
		d := heap.Pop(&s.delayed).(*delayedTask)
		s.lanes[d.lane] = append(s.lanes[d.lane], d.task)
	}
}

// nextWake returns how long Next may sleep before a delayed task comes due.
// Zero means sleep until explicitly woken. Callers hold s.mu.
func (s *Scheduler) nextWake() time.Duration {
	if len(s.delayed) == 0 {
		return 0
	}
	wait := s.delayed[0].readyAt.Sub(s.now())
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (s *Scheduler) resetCredits() {
	s.credits = laneWeights
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// delayedTask is a parked task with its re-submission time
type delayedTask struct {
	task    *campaign.Task
	lane    Lane
	readyAt time.Time
}

// delayQueue is a min-heap on readyAt
type delayQueue []*delayedTask

func (q delayQueue) Len() int            { return len(q) }
func (q delayQueue) Less(i, j int) bool  { return q[i].readyAt.Before(q[j].readyAt) }
func (q delayQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *delayQueue) Push(x interface{}) { *q = append(*q, x.(*delayedTask)) }
func (q *delayQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
