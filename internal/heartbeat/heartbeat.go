// Package heartbeat runs the agent's built-in message producer: a
// periodic liveness beat enqueued into the outbox so the server hears
// from the agent even when no other collaborator is producing.
package heartbeat

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/corvusec/palisade/agent/internal/queue"
	"github.com/corvusec/palisade/agent/internal/version"
	"github.com/corvusec/palisade/agent/internal/wire"
	"github.com/corvusec/palisade/agent/pkg/debug"
	"github.com/fxamacker/cbor/v2"
)

// MessageKind identifies heartbeat messages on the wire.
const MessageKind = "heartbeat"

// Beat is the heartbeat payload.
type Beat struct {
	Hostname string    `cbor:"hostname"`
	Version  string    `cbor:"version"`
	Time     time.Time `cbor:"time"`
}

// Producer periodically enqueues heartbeat messages.
type Producer struct {
	outbox   *queue.Queue
	interval time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a producer writing to outbox every interval.
func New(outbox *queue.Queue, interval time.Duration) *Producer {
	return &Producer{
		outbox:   outbox,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Run produces heartbeats until Stop is called or the outbox is closed.
func (p *Producer) Run() {
	debug.Info("Heartbeat producer starting (interval %v)", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			debug.Info("Heartbeat producer stopped")
			return
		case <-ticker.C:
			if err := p.send(); err != nil {
				if errors.Is(err, queue.ErrClosed) {
					debug.Info("Outbox closed, heartbeat producer exiting")
					return
				}
				debug.Warning("Failed to enqueue heartbeat: %v", err)
			}
		}
	}
}

// Stop asks Run to return. A heartbeat blocked on a full outbox is
// released when the queue is closed during teardown.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Producer) send() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	payload, err := cbor.Marshal(Beat{
		Hostname: hostname,
		Version:  version.GetVersion(),
		Time:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.outbox.Enqueue(wire.NewMessage(MessageKind, payload))
}
