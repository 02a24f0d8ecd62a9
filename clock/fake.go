package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for deterministic tests. Scheduled
// functions fire synchronously on the goroutine calling Advance, in deadline
// order. Safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	tasks  map[int]*fakeTask
}

type fakeTask struct {
	id  int
	due time.Time
	fn  func()
}

// NewFake returns a fake clock starting at an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{
		now:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		tasks: make(map[int]*fakeTask),
	}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	f.nextID++
	t := &fakeTask{id: f.nextID, due: f.now.Add(d), fn: fn}
	f.tasks[t.id] = t
	f.mu.Unlock()
	return &fakeTimer{clock: f, id: t.id}
}

// Advance moves the clock forward by d, firing every task whose deadline is
// reached, in deadline order. Tasks scheduled by fired tasks fire too when
// they fall within the advance window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		t := f.nextDueLocked(target)
		if t == nil {
			break
		}
		f.now = t.due
		delete(f.tasks, t.id)
		f.mu.Unlock()
		t.fn()
		f.mu.Lock()
	}
	f.now = target
	f.mu.Unlock()
}

func (f *Fake) nextDueLocked(target time.Time) *fakeTask {
	var due []*fakeTask
	for _, t := range f.tasks {
		if !t.due.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}

// Pending reports how many tasks are scheduled.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeTimer struct {
	clock *Fake
	id    int
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, ok := t.clock.tasks[t.id]
	delete(t.clock.tasks, t.id)
	return ok
}
