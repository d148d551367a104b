package supervisor

import (
	"sort"

	"github.com/loykin/papa/internal/output"
	"github.com/loykin/papa/internal/process"
	"github.com/loykin/papa/internal/protocol"
)

// entry is everything the supervisor keeps for one registered name.
// Only the loop goroutine touches it, except out which is safe for concurrent use.
type entry struct {
	ctl *process.Controller
	out *output.Capture

	// restartQueued starts a new run once the in-flight stop completes.
	restartQueued bool
	// forced records that the current stop needed SIGKILL.
	forced bool

	backoffTimer *timer
	startTimer   *timer
	graceTimer   *timer
	resetTimer   *timer

	waiters []waiter
}

// waiter defers a command reply until the process settles.
type waiter struct {
	done  func(process.State) bool
	reply chan<- error
	// result maps the settled state to the reply error.
	result func(*entry) error
}

// registry maps names to entries. It is owned by the loop.
type registry struct {
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) get(name string) (*entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, protocol.NotFound(name)
	}
	return e, nil
}

func (r *registry) add(e *entry) error {
	name := e.ctl.Name()
	if _, ok := r.entries[name]; ok {
		return protocol.Errorf(protocol.KindInvalidState, "process %q already registered", name)
	}
	r.entries[name] = e
	return nil
}

func (r *registry) remove(name string) { delete(r.entries, name) }

func (r *registry) len() int { return len(r.entries) }

// sorted returns entries ordered by name.
func (r *registry) sorted() []*entry {
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ctl.Name() < out[j].ctl.Name() })
	return out
}
