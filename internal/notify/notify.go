// Package notify delivers operation outcomes to subscribers.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"strata/internal/logging"
)

var logger = logging.For("notify")

// Notification reports the outcome of one operation.
type Notification struct {
	ID         string    `json:"id"`
	ActionName string    `json:"action"`
	Failed     bool      `json:"failed"`
	Message    string    `json:"message"`
	Database   string    `json:"database,omitempty"`
	Store      string    `json:"store,omitempty"`
	Time       time.Time `json:"time"`
}

// Handler receives notifications on the publishing goroutine.
type Handler func(Notification)

type subscriber struct {
	id uint64
	fn Handler
}

// Dispatcher fans notifications out to subscribers synchronously, in
// subscription order.
type Dispatcher struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber
}

// NewDispatcher returns a Dispatcher with no subscribers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers fn and returns a function that removes it. The cancel
// function is safe to call more than once and from inside a handler.
func (d *Dispatcher) Subscribe(fn Handler) (cancel func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscriber{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of subscribers.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Publish stamps n with an ID and time when missing and delivers it to the
// subscribers present at the time of the call. A panicking handler is
// logged and skipped. Publish returns the delivered notification.
func (d *Dispatcher) Publish(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}

	d.mu.Lock()
	subs := d.subs
	d.mu.Unlock()

	for _, s := range subs {
		deliver(s.fn, n)
	}
	if n.Failed {
		logger.Debug("operation failed", "action", n.ActionName, "db", n.Database, "msg", n.Message)
	}
	return n
}

func deliver(fn Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notification handler panicked", "action", n.ActionName, "panic", r)
		}
	}()
	fn(n)
}
