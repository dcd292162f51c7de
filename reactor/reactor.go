// Package reactor provides the Watch/Timeout/Idle adapter that stands in
// for the external C reactor the design is normally built against (spec
// §3, §9). Go's goroutine scheduler already does the fd-multiplexing job
// poll/select/epoll would otherwise need, so Watch spawns one read-loop
// goroutine per connection rather than registering an fd with a shared
// poller; Timeout runs its callback on its own timer goroutine
// (time.AfterFunc); Idle callbacks run on a single worker goroutine so that
// they — used to deliver connection-state changes off the MQTT library's
// own goroutine (spec §5) — are never reentered concurrently.
package reactor

import (
	"io"
	"net"
	"sync"
	"time"
)

// Watch represents one active connection-read registration.
type Watch struct {
	cancel func()
}

// Cancel stops the read loop for this Watch, closing nothing itself: the
// caller owns the connection's lifetime.
func (w Watch) Cancel() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Timeout represents one pending, cancellable, rearmable timer.
type Timeout struct {
	timer *time.Timer
}

// Cancel stops the timeout before it fires. A no-op if it already fired.
func (t Timeout) Cancel() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Rearm resets the timeout to fire d from now, as publish_with_reply_sync
// does on every partial reply (spec §4.6).
func (t Timeout) Rearm(d time.Duration) {
	if t.timer != nil {
		t.timer.Reset(d)
	}
}

// Idle represents one pending callback scheduled to run on the reactor's
// worker goroutine.
type Idle struct {
	id     uint64
	cancel func(uint64)
}

// Cancel prevents an not-yet-run Idle callback from running.
func (i Idle) Cancel() {
	if i.cancel != nil {
		i.cancel(i.id)
	}
}

// Reactor runs a single worker goroutine that executes Idle callbacks and
// owns the lifetime of the façade that created it. It does not run Watch or
// Timeout callbacks itself — those already have their own goroutine/timer —
// it exists so Idle callbacks are strictly ordered and never run
// concurrently with each other, matching the spec's single-worker-thread
// model (spec §5).
type Reactor struct {
	mu      sync.Mutex
	idleCh  chan func()
	idleSet map[uint64]struct{}
	nextID  uint64
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Reactor and starts its worker goroutine.
func New() *Reactor {
	r := &Reactor{
		idleCh:  make(chan func(), 64),
		idleSet: make(map[uint64]struct{}),
		quit:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Reactor) run() {
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.idleCh:
			fn()
		case <-r.quit:
			return
		}
	}
}

// Quit stops the worker goroutine and waits for it to exit. Idle callbacks
// queued but not yet run are dropped.
func (r *Reactor) Quit() {
	close(r.quit)
	r.wg.Wait()
}

// AddIdle schedules fn to run once on the worker goroutine, in submission
// order relative to other Idle callbacks.
func (r *Reactor) AddIdle(fn func()) Idle {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.idleSet[id] = struct{}{}
	r.mu.Unlock()

	r.idleCh <- func() {
		r.mu.Lock()
		_, live := r.idleSet[id]
		if live {
			delete(r.idleSet, id)
		}
		r.mu.Unlock()
		if live {
			fn()
		}
	}

	return Idle{id: id, cancel: r.cancelIdle}
}

func (r *Reactor) cancelIdle(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.idleSet, id)
}

// AddTimeout schedules fn to run once after d elapses, on its own timer
// goroutine (standard library time.AfterFunc semantics).
func (r *Reactor) AddTimeout(d time.Duration, fn func()) Timeout {
	return Timeout{timer: time.AfterFunc(d, fn)}
}

// AddWatch spawns a goroutine that repeatedly reads length-independent
// chunks from conn and calls onReadable with each chunk (or the read
// error, including io.EOF, exactly once, after which the loop exits).
// Callers that need framed messages (tcpfabric) read directly off conn
// instead of using AddWatch; AddWatch exists for components — tests,
// simple line protocols — that want raw chunked delivery.
func (r *Reactor) AddWatch(conn net.Conn, onReadable func([]byte, error)) Watch {
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	go func() {
		buf := make([]byte, 4096)
		for {
			select {
			case <-done:
				return
			default:
			}

			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onReadable(chunk, nil)
			}
			if err != nil {
				if err != io.EOF {
					onReadable(nil, err)
				} else {
					onReadable(nil, io.EOF)
				}
				return
			}
		}
	}()

	return Watch{cancel: cancel}
}
