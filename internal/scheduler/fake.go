package scheduler

import (
	"context"
	"sync"
	"time"
)

// Entry is a schedule held by Fake.
type Entry struct {
	At  time.Time
	Job Job
}

// Fake keeps schedules in memory with the same create/delete semantics as EventBridge.
type Fake struct {
	mu        sync.Mutex
	entries   map[string]Entry
	cancelled []string
	Err       error
}

func NewFake() *Fake {
	return &Fake{entries: map[string]Entry{}}
}

func (f *Fake) Schedule(ctx context.Context, name string, at time.Time, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.entries[name]; !ok {
		f.entries[name] = Entry{At: at, Job: job}
	}
	return nil
}

func (f *Fake) Cancel(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.entries, name)
	f.cancelled = append(f.cancelled, name)
	return nil
}

// Get returns the pending schedule with name.
func (f *Fake) Get(name string) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[name]
	return e, ok
}

func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}
