package coordinator

import (
	"context"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("coordinator")

// DefaultBackoff is the wait after a failed delivery
const DefaultBackoff = time.Second

// Loop forwards the queued messages to the coordinator. Messages that can not be
// delivered are put back in front of the queue and retried after a fixed backoff,
// so an unavailable coordinator delays but never drops messages.
type Loop struct {
	queue   *Queue
	sender  Sender
	backoff time.Duration
}

// NewLoop creates a loop, a backoff of 0 uses DefaultBackoff
func NewLoop(queue *Queue, sender Sender, backoff time.Duration) *Loop {
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Loop{queue: queue, sender: sender, backoff: backoff}
}

// Run delivers messages until ctx is done
func (l *Loop) Run(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		m, ok := l.queue.Poll(ctx, time.Second)
		if !ok {
			continue
		}
		if err := l.sender.Send(ctx, m); err != nil {
			l.queue.PushFront(m)
			failures++
			if failures == 1 || failures%60 == 0 {
				Logger.Warningf("failed to send message to coordinator (%d attempts): %v", failures, err)
			}
			select {
			case <-time.After(l.backoff):
			case <-ctx.Done():
			}
			continue
		}
		if failures > 0 {
			Logger.Infof("coordinator reachable again after %d failed attempts", failures)
			failures = 0
		}
	}
}
