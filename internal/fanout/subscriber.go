package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/monitor"
)

// DefaultQueueSize is the number of envelopes buffered per subscriber
const DefaultQueueSize = 64

// Subscriber is one live viewer of a device. Its queue keeps the newest envelopes;
// when full the oldest is dropped so publishers never wait.
type Subscriber struct {
	ID       string
	TenantID string
	DeviceID string

	queue     chan *model.Envelope
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newSubscriber(tenantID, deviceID string, size int) *Subscriber {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Subscriber{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		DeviceID: deviceID,
		queue:    make(chan *model.Envelope, size),
		done:     make(chan struct{}),
	}
}

// C returns the delivery queue
func (s *Subscriber) C() <-chan *model.Envelope {
	return s.queue
}

// Done is closed when the subscriber is removed from its registry
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many envelopes were discarded for this subscriber
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) offer(env *model.Envelope) {
	select {
	case <-s.done:
		return
	default:
	}

	for {
		select {
		case s.queue <- env:
			return
		default:
		}

		select {
		case <-s.queue:
			s.dropped.Add(1)
			monitor.IncFanoutDropped(string(env.Kind))
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
