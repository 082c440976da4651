package thread

import (
	"sort"
	"sync"
	"time"
)

// ThreadState is the registry's view of one thread.
type ThreadState struct {
	Channel  string
	ThreadID string
	InFlight int
	LastSeen time.Time
}

// Registry remembers the threads this process has handled. It is advisory
// bookkeeping for diagnostics; the metadata message stays authoritative.
type Registry struct {
	mu      sync.Mutex
	threads map[string]*ThreadState
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{threads: make(map[string]*ThreadState), now: time.Now}
}

// Begin marks a turn as running in the thread. The returned func ends it.
func (r *Registry) Begin(channel, threadID string) func() {
	r.mu.Lock()
	st := r.entry(channel, threadID)
	st.InFlight++
	st.LastSeen = r.now()
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			st.InFlight--
			r.mu.Unlock()
		})
	}
}

// Touch records the thread without starting a turn.
func (r *Registry) Touch(channel, threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(channel, threadID).LastSeen = r.now()
}

// Get returns the state of one thread.
func (r *Registry) Get(threadID string) (ThreadState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.threads[threadID]
	if !ok {
		return ThreadState{}, false
	}
	return *st, true
}

// Snapshot lists all known threads ordered by id.
func (r *Registry) Snapshot() []ThreadState {
	r.mu.Lock()
	out := make([]ThreadState, 0, len(r.threads))
	for _, st := range r.threads {
		out = append(out, *st)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

func (r *Registry) entry(channel, threadID string) *ThreadState {
	st, ok := r.threads[threadID]
	if !ok {
		st = &ThreadState{Channel: channel, ThreadID: threadID}
		r.threads[threadID] = st
	}
	return st
}
