package channels

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/agentrelay/internal/errs"
)

// maxTrackedThreads caps the number of tracked (channel, thread) pairs so an
// attacker rotating thread ids cannot grow the tracker unboundedly.
const maxTrackedThreads = 4096

// OrderingTracker enforces timestamp-monotonic admission per
// (channelId, threadId). Events older than the maximum observed timestamp
// are rejected unless flagged as interrupts, in which case they are admitted
// without advancing the maximum.
type OrderingTracker struct {
	mu  sync.Mutex
	max *lru.Cache[string, int64]
}

// NewOrderingTracker creates a bounded ordering tracker.
func NewOrderingTracker() *OrderingTracker {
	cache, _ := lru.New[string, int64](maxTrackedThreads)
	return &OrderingTracker{max: cache}
}

// Admit checks an inbound timestamp. It returns whether the interrupt
// bypass was applied, or CHANNEL_INVALID_PAYLOAD for a stale non-interrupt
// event.
func (o *OrderingTracker) Admit(channelID, threadID string, timestamp int64, isInterrupt bool) (bool, error) {
	key := channelID + "\x00" + threadID

	o.mu.Lock()
	defer o.mu.Unlock()

	max, seen := o.max.Get(key)
	if seen && timestamp < max {
		if !isInterrupt {
			return false, errs.NewChannel(errs.ChannelInvalidPayload,
				fmt.Sprintf("out-of-order event: ts %d < max %d", timestamp, max))
		}
		// Interrupts are admitted late; the watermark stays put.
		return true, nil
	}

	o.max.Add(key, timestamp)
	return false, nil
}

// Max returns the maximum observed timestamp for a (channel, thread) pair.
func (o *OrderingTracker) Max(channelID, threadID string) (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.max.Get(channelID + "\x00" + threadID)
}
