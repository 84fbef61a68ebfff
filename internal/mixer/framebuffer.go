package mixer

import (
	"container/list"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/internal/rtp"
	"github.com/voxbridge/voxbridge/internal/trylock"
)

// FrameBuffer holds, per SSRC, a small ordered queue of RTP frames awaiting
// a mix tick. Frames within a stream are kept sorted oldest-first using
// modular sequence-number ordering, so a burst of reordered packets settles
// back into transmission order before the mixer ever sees them.
//
// Add and DrainOldest both need a multi-step, consistent view of the
// per-SSRC queues, so a plain mutex (rather than a lock-free map) guards
// the whole buffer; the mutex is a bounded-wait trylock.Mutex so that a mix
// tick contending with an in-flight Add skips rather than stalls.
type FrameBuffer struct {
	capacity int
	lock     *trylock.Mutex
	lockWait time.Duration
	streams  map[uint32]*list.List // SSRC -> *list.List of *rtp.Frame, oldest first
	log      *slog.Logger

	dropped atomic.Uint64
}

// NewFrameBuffer creates a FrameBuffer holding up to capacity frames per
// SSRC, using lockWait as the bounded-wait timeout for Add/DrainOldest.
func NewFrameBuffer(capacity int, lockWait time.Duration, log *slog.Logger) *FrameBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &FrameBuffer{
		capacity: capacity,
		lock:     trylock.New(),
		lockWait: lockWait,
		streams:  make(map[uint32]*list.List),
		log:      log.With("component", "framebuffer"),
	}
}

// Add inserts frame into its SSRC's queue, maintaining ascending modular
// sequence-number order. Per spec:
//   - if the queue has room, the frame is inserted in order.
//   - if the queue is full and the incoming frame is older (by modular
//     comparison) than the newest queued frame, the newest queued frame is
//     evicted and the incoming frame takes its place.
//   - if the queue is full and the incoming frame is not older than the
//     newest queued frame, the incoming frame is dropped.
//   - a frame with a sequence number equal to one already queued is treated
//     as a duplicate and dropped.
//
// Add returns the frame that ended up rejected (evicted-newest or the
// incoming duplicate/overflow frame), or nil if the frame was queued
// without displacing anything. If the bounded-wait lock cannot be acquired,
// Add returns the incoming frame untouched — per the transient-error
// handling policy, lock contention is not escalated, the frame is simply
// not buffered this time.
func (b *FrameBuffer) Add(frame *rtp.Frame) *rtp.Frame {
	if !b.lock.TryLock(b.lockWait) {
		b.log.Debug("add: lock contention, dropping frame", "ssrc", frame.SSRC)
		b.recordDrop()
		return frame
	}
	defer b.lock.Unlock()

	q, ok := b.streams[frame.SSRC]
	if !ok {
		q = list.New()
		b.streams[frame.SSRC] = q
	}

	// Duplicate sequence number: drop the incoming frame.
	for e := q.Front(); e != nil; e = e.Next() {
		existing := e.Value.(*rtp.Frame)
		if rtp.SeqEqual(existing.SequenceNumber, frame.SequenceNumber) {
			b.recordDrop()
			return frame
		}
	}

	if q.Len() >= b.capacity {
		newest := q.Back().Value.(*rtp.Frame)
		if rtp.SeqLess(frame.SequenceNumber, newest.SequenceNumber) {
			q.Remove(q.Back())
			insertOrdered(q, frame)
			b.recordDrop()
			return newest
		}
		b.recordDrop()
		return frame
	}

	insertOrdered(q, frame)
	return nil
}

// insertOrdered inserts frame into q, which is assumed already sorted
// ascending by modular sequence number, preserving that order.
func insertOrdered(q *list.List, frame *rtp.Frame) {
	for e := q.Front(); e != nil; e = e.Next() {
		existing := e.Value.(*rtp.Frame)
		if rtp.SeqLess(frame.SequenceNumber, existing.SequenceNumber) {
			q.InsertBefore(frame, e)
			return
		}
	}
	q.PushBack(frame)
}

// DrainOldest removes and returns the oldest queued frame for every SSRC
// that currently has at least one frame buffered. The returned frames are
// not sorted with respect to each other — only within their own SSRC's
// queue did ordering matter, since the mixer sums them regardless of which
// order they arrive in. If the lock cannot be acquired within the bounded
// wait, DrainOldest returns nil, matching the mixer's "skip this tick's
// drain rather than stall" policy.
func (b *FrameBuffer) DrainOldest() []*rtp.Frame {
	if !b.lock.TryLock(b.lockWait) {
		b.log.Debug("drain: lock contention, skipping this tick")
		return nil
	}
	defer b.lock.Unlock()

	out := make([]*rtp.Frame, 0, len(b.streams))
	for _, q := range b.streams {
		if q.Len() == 0 {
			continue
		}
		front := q.Remove(q.Front()).(*rtp.Frame)
		out = append(out, front)
	}
	return out
}

// ActiveStreamCount reports how many SSRCs currently have at least one
// queued frame. Used for metrics; acquires the lock with the configured
// bounded wait and reports 0 rather than blocking if contended.
func (b *FrameBuffer) ActiveStreamCount() int {
	if !b.lock.TryLock(b.lockWait) {
		return 0
	}
	defer b.lock.Unlock()

	count := 0
	for _, q := range b.streams {
		if q.Len() > 0 {
			count++
		}
	}
	return count
}

// DroppedTotal returns the cumulative count of frames dropped by Add,
// whether due to duplicate sequence numbers, overflow, or lock contention.
func (b *FrameBuffer) DroppedTotal() uint64 {
	return b.dropped.Load()
}

func (b *FrameBuffer) recordDrop() {
	b.dropped.Add(1)
}
