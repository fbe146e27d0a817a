package communicator

import (
	"context"
	"fmt"
	"sync"

	"gcodelink/host/gcode"

	"pkt.systems/pslog"
)

// EventType identifies an Event
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventError
	EventCommandSent
	EventCommandComplete
	EventRawResponse
	EventPausedOnError
	EventTransferProgress
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventCommandSent:
		return "command_sent"
	case EventCommandComplete:
		return "command_complete"
	case EventRawResponse:
		return "raw_response"
	case EventPausedOnError:
		return "paused_on_error"
	case EventTransferProgress:
		return "transfer_progress"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered to listeners on the dispatcher goroutine
type Event struct {
	Type    EventType
	Command *gcode.Command // command events
	Line    string         // raw responses
	Err     error          // errors
	Block   int            // transfer progress
	Bytes   int64          // transfer progress

	barrier chan struct{}
}

// Listener receives communicator events. Events are delivered one at a time
// in the order they were raised.
type Listener interface {
	HandleEvent(ev Event)
}

// ListenerFunc adapts a function to a Listener
type ListenerFunc func(ev Event)

func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

// EventSink accepts events for delivery
type EventSink interface {
	Dispatch(ev Event)
}

// Dispatcher queues events and delivers them from its own goroutine so
// listeners never run on the transport reader. The queue is unbounded;
// Dispatch never blocks.
type Dispatcher struct {
	mu        sync.Mutex
	listeners map[int]Listener
	order     []int
	nextID    int
	queue     []Event
	closed    bool

	log pslog.Logger

	signal   chan struct{}
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewDispatcher starts a dispatcher; capacity presizes the queue
func NewDispatcher(capacity int, logger pslog.Logger) *Dispatcher {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if capacity < 0 {
		capacity = 0
	}
	d := &Dispatcher{
		listeners: make(map[int]Listener),
		queue:     make([]Event, 0, capacity),
		log:       logger,
		signal:    make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}

	go d.run()

	return d
}

// AddListener registers l and returns a function that removes it
func (d *Dispatcher) AddListener(l Listener) (remove func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.order = append(d.order, id)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
		for i, v := range d.order {
			if v == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
}

// Dispatch queues ev for delivery
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Reset drops events that have not been delivered yet
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Barriers must still be released
	kept := d.queue[:0]
	for _, ev := range d.queue {
		if ev.barrier != nil {
			kept = append(kept, ev)
		}
	}
	for i := len(kept); i < len(d.queue); i++ {
		d.queue[i] = Event{}
	}
	d.queue = kept
}

// Sync waits until every event dispatched before the call was delivered
func (d *Dispatcher) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.queue = append(d.queue, Event{barrier: barrier})
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers the queued events and stops the dispatcher
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.doneChan
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stopChan)
	<-d.doneChan
}

// run delivers events until Close
func (d *Dispatcher) run() {
	defer close(d.doneChan)

	for {
		for {
			ev, ok := d.pop()
			if !ok {
				break
			}
			d.deliver(ev)
		}

		select {
		case <-d.signal:
		case <-d.stopChan:
			for {
				ev, ok := d.pop()
				if !ok {
					return
				}
				d.deliver(ev)
			}
		}
	}
}

func (d *Dispatcher) pop() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Event{}, false
	}
	ev := d.queue[0]
	d.queue[0] = Event{}
	d.queue = d.queue[1:]
	return ev, true
}

func (d *Dispatcher) deliver(ev Event) {
	if ev.barrier != nil {
		close(ev.barrier)
		return
	}

	d.mu.Lock()
	listeners := make([]Listener, 0, len(d.order))
	for _, id := range d.order {
		listeners = append(listeners, d.listeners[id])
	}
	d.mu.Unlock()

	for _, l := range listeners {
		d.safeDeliver(l, ev)
	}
}

// safeDeliver keeps a panicking listener from killing the dispatcher
func (d *Dispatcher) safeDeliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("listener panicked", "event", ev.Type.String(), "panic", fmt.Sprint(r))
		}
	}()
	l.HandleEvent(ev)
}
