// Package vad implements the parallel voice-activity-detection path: a
// per-SSRC hysteresis state machine feeding a per-loop on/off aggregation,
// decoding on its own codec registry and its own worker pool so that it
// never contends with the mixer's mix-tick decode path.
package vad

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/mixer"
	"github.com/voxbridge/voxbridge/internal/pcm"
	"github.com/voxbridge/voxbridge/internal/rtp"
	"github.com/voxbridge/voxbridge/internal/trylock"
	"github.com/voxbridge/voxbridge/internal/workerpool"
)

// idleTimeout is the "no frames arrived" window after which a counter is
// forced inactive even without an explicit non-voice decision.
const idleTimeout = 200 * time.Millisecond

// sweepInterval is how often loops are re-aggregated even if no new frame
// arrived, so a loop whose traffic simply stopped is still reported off.
const sweepInterval = 500 * time.Millisecond

// Config is the VAD Core's construction-time configuration.
type Config struct {
	SampleRateHertz                 int
	FrameLengthMS                   int
	ZeroCrossingsRateThresholdHertz float64
	PowerLevelThresholdDB           float64
	FramesActivate                  int
	FramesDeactivate                int
	LockTimeout                     time.Duration
}

func (c Config) frameLength() int {
	return (c.FrameLengthMS*c.SampleRateHertz + 500) / 1000
}

func (c Config) thresholds() pcm.Thresholds {
	return pcm.Thresholds{
		ZeroCrossingsRateThresholdHertz: c.ZeroCrossingsRateThresholdHertz,
		PowerLevelThresholdDB:           c.PowerLevelThresholdDB,
	}
}

func (c Config) validate() error {
	if c.SampleRateHertz <= 0 {
		return fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRateHertz)
	}
	if c.FrameLengthMS <= 0 {
		return fmt.Errorf("vad: frame length must be positive, got %d", c.FrameLengthMS)
	}
	if c.FramesActivate <= 0 {
		return fmt.Errorf("vad: frames-to-activate must be positive, got %d", c.FramesActivate)
	}
	if c.FramesDeactivate <= 0 {
		return fmt.Errorf("vad: frames-to-deactivate must be positive, got %d", c.FramesDeactivate)
	}
	return nil
}

// Counter is the per-SSRC hysteresis state: on-streak, off-streak, the last
// time a frame from this SSRC was processed, and the current active flag.
type Counter struct {
	onStreak   int
	offStreak  int
	lastActive time.Time
	active     bool
}

// loopState is the per-loop aggregation: each loop owns its own counter map
// and its own try-lock, so loops never serialize against each other.
type loopState struct {
	name     string
	lock     *trylock.Mutex
	counters map[uint32]*Counter
	on       bool
}

// Callback is invoked whenever a loop transitions between off and on.
type Callback func(loopName string, on bool)

// Core is the VAD subsystem: one instance serves every multicast loop it is
// fed frames for.
type Core struct {
	cfg      Config
	codecs   *mixer.CodecRegistry
	pool     *workerpool.Pool
	callback Callback
	log      *slog.Logger

	mu    sync.RWMutex
	loops map[string]*loopState
}

// New constructs a VAD Core. callback is invoked synchronously from whatever
// goroutine processes the triggering frame, with that loop's lock held — it
// must not block or itself call back into the Core.
func New(cfg Config, pool *workerpool.Pool, callback Callback, log *slog.Logger) (*Core, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if callback == nil {
		callback = func(string, bool) {}
	}
	return &Core{
		cfg:      cfg,
		codecs:   mixer.NewCodecRegistry(cfg.SampleRateHertz, 1),
		pool:     pool,
		callback: callback,
		log:      log.With("component", "vad"),
		loops:    make(map[string]*loopState),
	}, nil
}

func (c *Core) loopFor(name string) *loopState {
	c.mu.RLock()
	loop, ok := c.loops[name]
	c.mu.RUnlock()
	if ok {
		return loop
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if loop, ok := c.loops[name]; ok {
		return loop
	}
	loop = &loopState{
		name:     name,
		lock:     trylock.New(),
		counters: make(map[uint32]*Counter),
	}
	c.loops[name] = loop
	return loop
}

// Ingest decodes and analyzes frame on the worker pool and folds the result
// into loopName's per-SSRC counter. It returns workerpool.ErrQueueFull if
// the pool's queue is saturated — the caller should treat that as a drop,
// not a fatal error, since VAD decode is delay-tolerant by design.
func (c *Core) Ingest(loopName string, frame *rtp.Frame) error {
	return c.pool.Submit(func() {
		c.process(loopName, frame)
	})
}

func (c *Core) process(loopName string, frame *rtp.Frame) {
	dec, err := c.codecs.GetOrCreate(frame.SSRC)
	if err != nil {
		c.log.Warn("vad: could not obtain decoder", "ssrc", frame.SSRC, "error", err)
		return
	}

	samples, err := dec.Decode(frame.Payload, c.cfg.frameLength(), false)
	if err != nil {
		c.log.Debug("vad: decode failed, skipping frame", "ssrc", frame.SSRC, "error", err)
		return
	}

	params := pcm.VADParameters(samples)
	detected := pcm.VADDetected(c.cfg.SampleRateHertz, params, c.cfg.thresholds())

	loop := c.loopFor(loopName)
	if !loop.lock.TryLock(c.cfg.LockTimeout) {
		return
	}
	defer loop.lock.Unlock()

	counter, ok := loop.counters[frame.SSRC]
	if !ok {
		counter = &Counter{}
		loop.counters[frame.SSRC] = counter
	}
	counter.lastActive = time.Now()

	switchOn := false
	if detected {
		counter.offStreak = 0
		if !counter.active {
			counter.onStreak++
			if counter.onStreak >= c.cfg.FramesActivate {
				counter.active = true
				counter.onStreak = 0
				switchOn = true
				c.log.Debug("vad on", "loop", loopName, "ssrc", frame.SSRC)
			}
		}
	} else if counter.active {
		counter.offStreak++
		if counter.offStreak >= c.cfg.FramesDeactivate {
			counter.offStreak = 0
			counter.active = false
			c.log.Debug("vad off", "loop", loopName, "ssrc", frame.SSRC)
		}
	} else {
		counter.onStreak = 0
	}

	if switchOn && !loop.on {
		loop.on = true
		c.callback(loopName, true)
	}

	c.reaggregateLocked(loop)
}

// reaggregateLocked forces idle counters inactive and re-derives the loop's
// on/off state, firing the off callback on the edge. Callers must hold
// loop.lock.
func (c *Core) reaggregateLocked(loop *loopState) {
	now := time.Now()
	anyActive := false
	for _, counter := range loop.counters {
		if now.Sub(counter.lastActive) > idleTimeout {
			counter.active = false
		}
		if counter.active {
			anyActive = true
		}
	}
	if !anyActive && loop.on {
		loop.on = false
		c.callback(loop.name, false)
	}
}

// Run drives the periodic re-aggregation sweep until ctx is canceled, so
// loops whose traffic stopped without an explicit non-voice decision are
// still reported off within one sweep interval.
func (c *Core) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Core) sweep() {
	c.mu.RLock()
	loops := make([]*loopState, 0, len(c.loops))
	for _, loop := range c.loops {
		loops = append(loops, loop)
	}
	c.mu.RUnlock()

	for _, loop := range loops {
		if !loop.lock.TryLock(c.cfg.LockTimeout) {
			continue
		}
		c.reaggregateLocked(loop)
		loop.lock.Unlock()
	}
}

// GarbageCollect evicts this Core's codec registry entries idle for at least
// maxIdle. It is a distinct registry from the mixer's, so the two never
// evict each other's decoders.
func (c *Core) GarbageCollect(maxIdle time.Duration) int {
	return c.codecs.GarbageCollect(maxIdle, c.log)
}

// ActiveLoops reports the number of loops currently "on". Implements
// metrics.VADStatsProvider.
func (c *Core) ActiveLoops() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, loop := range c.loops {
		if loop.on {
			n++
		}
	}
	return n
}

// TrackedSSRCs reports the total number of per-SSRC counters held across all
// loops. Implements metrics.VADStatsProvider.
func (c *Core) TrackedSSRCs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, loop := range c.loops {
		n += len(loop.counters)
	}
	return n
}

// RegistrySize implements metrics.CodecRegistryProvider for this Core's own
// registry (distinct from the mixer's).
func (c *Core) RegistrySize() int { return c.codecs.RegistrySize() }

// EvictionsTotal implements metrics.CodecRegistryProvider.
func (c *Core) EvictionsTotal() uint64 { return c.codecs.EvictionsTotal() }
