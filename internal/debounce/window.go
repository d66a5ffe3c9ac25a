// Package debounce coalesces bursts of note drafts from one source channel
// into batches.
package debounce

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/tasuke/internal/storage"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("debounce window closed")

// Flush reasons.
const (
	ReasonQuiet   = "quiet"
	ReasonMaxSize = "max_size"
	ReasonMaxWait = "max_wait"
	ReasonClose   = "close"
)

// Key identifies one debounce bucket.
type Key struct {
	Source  string
	Channel string
}

// String returns "source/channel".
func (k Key) String() string {
	return k.Source + "/" + k.Channel
}

// Batch is the set of drafts flushed from one bucket.
type Batch struct {
	Key       Key
	Drafts    []storage.NoteDraft
	OpenedAt  time.Time
	FlushedAt time.Time
	Reason    string
}

// Config controls when buckets flush.
type Config struct {
	// QuietPeriod flushes a bucket after this long without a new event.
	QuietPeriod time.Duration
	// MaxBatch flushes a bucket as soon as it holds this many drafts.
	MaxBatch int
	// MaxWait flushes a bucket this long after its first draft even if
	// events keep arriving.
	MaxWait time.Duration
}

// DefaultConfig returns the window defaults.
func DefaultConfig() Config {
	return Config{QuietPeriod: 5 * time.Second, MaxBatch: 50, MaxWait: 60 * time.Second}
}

type bucket struct {
	gen     uint64
	drafts  []storage.NoteDraft
	opened  time.Time
	quiet   *time.Timer
	maxWait *time.Timer
}

func (b *bucket) stop() {
	if b.quiet != nil {
		b.quiet.Stop()
	}
	if b.maxWait != nil {
		b.maxWait.Stop()
	}
}

// Window buffers drafts per (source, channel) and hands complete batches to
// a flush function. Each draft is delivered in exactly one batch. Batches
// are delivered one at a time, in the order they were flushed.
type Window struct {
	cfg    Config
	flush  func(Batch)
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[Key]*bucket
	nextGen uint64
	ready   []Batch
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// New starts a window that calls flush for every batch. Zero config fields
// take their defaults.
func New(cfg Config, flush func(Batch)) *Window {
	def := DefaultConfig()
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = def.QuietPeriod
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	w := &Window{
		cfg:     cfg,
		flush:   flush,
		logger:  slog.Default(),
		buckets: make(map[Key]*bucket),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.deliver()
	return w
}

// Add buffers a draft under its (source, channel) key.
func (w *Window) Add(d storage.NoteDraft) error {
	key := Key{Source: d.Source, Channel: d.Channel}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	b, ok := w.buckets[key]
	if !ok {
		w.nextGen++
		b = &bucket{gen: w.nextGen, opened: time.Now()}
		gen := b.gen
		b.maxWait = time.AfterFunc(w.cfg.MaxWait, func() { w.expire(key, gen, ReasonMaxWait) })
		w.buckets[key] = b
	}
	b.drafts = append(b.drafts, d)

	if len(b.drafts) >= w.cfg.MaxBatch {
		w.detachLocked(key, b, ReasonMaxSize)
		return nil
	}

	if b.quiet != nil {
		b.quiet.Stop()
	}
	gen := b.gen
	b.quiet = time.AfterFunc(w.cfg.QuietPeriod, func() { w.expire(key, gen, ReasonQuiet) })
	return nil
}

// expire flushes the bucket for key if it is still generation gen. Timers
// of an already flushed bucket find a newer generation or nothing.
func (w *Window) expire(key Key, gen uint64, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buckets[key]
	if !ok || b.gen != gen {
		return
	}
	w.detachLocked(key, b, reason)
}

func (w *Window) detachLocked(key Key, b *bucket, reason string) {
	delete(w.buckets, key)
	b.stop()
	w.ready = append(w.ready, Batch{
		Key:       key,
		Drafts:    b.drafts,
		OpenedAt:  b.opened,
		FlushedAt: time.Now(),
		Reason:    reason,
	})
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Window) deliver() {
	defer close(w.done)
	for {
		w.mu.Lock()
		if len(w.ready) == 0 {
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			<-w.wake
			continue
		}
		batch := w.ready[0]
		w.ready = w.ready[1:]
		w.mu.Unlock()

		w.logger.Debug("flushing batch", "key", batch.Key.String(), "size", len(batch.Drafts), "reason", batch.Reason)
		w.flush(batch)
	}
}

// Pending returns the number of drafts buffered and not yet flushed.
func (w *Window) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.buckets {
		n += len(b.drafts)
	}
	return n
}

// Close stops accepting drafts, flushes every open bucket and waits until
// all batches have been delivered.
func (w *Window) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	for key, b := range w.buckets {
		w.detachLocked(key, b, ReasonClose)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
}
