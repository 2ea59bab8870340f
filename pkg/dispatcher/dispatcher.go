// Package dispatcher implements the asynchronous-call admission control
// SPEC_FULL.md §4.8 describes: a bounded number of calls run at once, both
// overall and per host, and excess calls wait in a ready queue until a slot
// frees up. New package; grounded structurally on the teacher's
// pkg/transport/transport.go hostPool (a mutex-guarded struct exposing a
// sync.Cond for blocked waiters), generalized from "wait for a pooled
// connection" to "wait for an admission slot".
package dispatcher

import (
	"sync"

	"github.com/corehttp/engine/pkg/constants"
)

// Job is one unit of work the Dispatcher schedules: an async call's Run
// method drives its own interceptor chain and must not block on anything
// the Dispatcher itself controls.
type Job struct {
	Host string
	Run  func()
}

// Dispatcher admits Jobs against two independent ceilings (SPEC_FULL.md
// §4.8): MaxRequests total concurrently running, MaxRequestsPerHost for any
// single Host value. Synchronous calls are tracked for bookkeeping but are
// never queued, mirroring the asymmetry between Call.Execute and
// Call.Enqueue in SPEC_FULL.md §4.7.
type Dispatcher struct {
	mu                 sync.Mutex
	cond               *sync.Cond
	maxRequests        int
	maxRequestsPerHost int

	readyAsync   []*Job
	runningAsync []*Job
	runningSync  []*Job

	idleCallback func()
}

// New returns a Dispatcher with the SPEC_FULL.md default ceilings
// (constants.DefaultMaxRequests / constants.DefaultMaxRequestsPerHost).
func New() *Dispatcher {
	d := &Dispatcher{
		maxRequests:        constants.DefaultMaxRequests,
		maxRequestsPerHost: constants.DefaultMaxRequestsPerHost,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SetMaxRequests changes the total concurrency ceiling, promoting queued
// jobs immediately if the new limit is higher.
func (d *Dispatcher) SetMaxRequests(n int) {
	if n <= 0 {
		return
	}
	d.mu.Lock()
	d.maxRequests = n
	toRun := d.promoteLocked()
	d.mu.Unlock()
	d.start(toRun)
}

// SetMaxRequestsPerHost changes the per-host concurrency ceiling, promoting
// queued jobs immediately if the new limit is higher.
func (d *Dispatcher) SetMaxRequestsPerHost(n int) {
	if n <= 0 {
		return
	}
	d.mu.Lock()
	d.maxRequestsPerHost = n
	toRun := d.promoteLocked()
	d.mu.Unlock()
	d.start(toRun)
}

// SetIdleListener registers a callback invoked whenever the Dispatcher
// transitions from having running/queued work to having none.
func (d *Dispatcher) SetIdleListener(cb func()) {
	d.mu.Lock()
	d.idleCallback = cb
	d.mu.Unlock()
}

// Enqueue admits job immediately if both ceilings permit it, otherwise adds
// it to the ready queue to be promoted later as running jobs finish.
func (d *Dispatcher) Enqueue(job *Job) {
	d.mu.Lock()
	if d.canRunLocked(job.Host) {
		d.runningAsync = append(d.runningAsync, job)
		d.mu.Unlock()
		d.start([]*Job{job})
		return
	}
	d.readyAsync = append(d.readyAsync, job)
	d.mu.Unlock()
}

// ExecutedSync registers a synchronous call as running, for bookkeeping and
// per-host counting only: sync calls always run on the caller's own
// goroutine and are never queued.
func (d *Dispatcher) ExecutedSync(job *Job) {
	d.mu.Lock()
	d.runningSync = append(d.runningSync, job)
	d.mu.Unlock()
}

// FinishedSync must be called exactly once after a job registered with
// ExecutedSync completes.
func (d *Dispatcher) FinishedSync(job *Job) {
	d.mu.Lock()
	d.runningSync = removeJob(d.runningSync, job)
	toRun := d.promoteLocked()
	d.notifyIdleLocked()
	d.mu.Unlock()
	d.start(toRun)
}

func (d *Dispatcher) start(jobs []*Job) {
	for _, job := range jobs {
		go func(j *Job) {
			j.Run()
			d.finishedAsync(j)
		}(job)
	}
}

func (d *Dispatcher) finishedAsync(job *Job) {
	d.mu.Lock()
	d.runningAsync = removeJob(d.runningAsync, job)
	toRun := d.promoteLocked()
	d.notifyIdleLocked()
	d.mu.Unlock()
	d.start(toRun)
}

// promoteLocked scans the ready queue for jobs the current ceilings now
// admit, removing and returning them for the caller to start once the lock
// is released. Scans the whole queue rather than only its head so a
// many-calls-to-one-host backlog never starves ready calls to other hosts.
func (d *Dispatcher) promoteLocked() []*Job {
	var toRun []*Job
	remaining := d.readyAsync[:0:0]
	for _, job := range d.readyAsync {
		if d.canRunLocked(job.Host) {
			d.runningAsync = append(d.runningAsync, job)
			toRun = append(toRun, job)
		} else {
			remaining = append(remaining, job)
		}
	}
	d.readyAsync = remaining
	return toRun
}

func (d *Dispatcher) canRunLocked(host string) bool {
	if len(d.runningAsync) >= d.maxRequests {
		return false
	}
	return d.runningCallsForHostLocked(host) < d.maxRequestsPerHost
}

func (d *Dispatcher) runningCallsForHostLocked(host string) int {
	n := 0
	for _, job := range d.runningAsync {
		if job.Host == host {
			n++
		}
	}
	for _, job := range d.runningSync {
		if job.Host == host {
			n++
		}
	}
	return n
}

func (d *Dispatcher) notifyIdleLocked() {
	d.cond.Broadcast()
	if len(d.runningAsync) == 0 && len(d.runningSync) == 0 && len(d.readyAsync) == 0 {
		if cb := d.idleCallback; cb != nil {
			go cb()
		}
	}
}

// RunningCallsCount returns the number of calls currently executing,
// synchronous and asynchronous combined.
func (d *Dispatcher) RunningCallsCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningAsync) + len(d.runningSync)
}

// QueuedCallsCount returns the number of async calls waiting for an
// admission slot.
func (d *Dispatcher) QueuedCallsCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.readyAsync)
}

// AwaitIdle blocks until no calls are running or queued.
func (d *Dispatcher) AwaitIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.runningAsync) != 0 || len(d.runningSync) != 0 || len(d.readyAsync) != 0 {
		d.cond.Wait()
	}
}

func removeJob(jobs []*Job, target *Job) []*Job {
	for i, j := range jobs {
		if j == target {
			return append(jobs[:i], jobs[i+1:]...)
		}
	}
	return jobs
}
