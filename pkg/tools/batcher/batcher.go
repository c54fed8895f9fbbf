// Package batcher implements a generic key-sharded batch aggregator with
// built-in submit retry. Producers Put individual items; the scheduler
// groups them by key and flushes each group to Submit once a batch fills
// up or an interval elapses, whichever comes first. Items sharing a key
// are routed to the same worker by hashing the key, so callers never
// assign shards themselves, and items sharing a key always land on the
// same worker channel, which is FIFO — callers keying by something with
// an ordering requirement (e.g. a record id, where ops must apply
// oldest-version-first) get that ordering for free. A Submit that
// returns a Retryable error is retried with capped exponential backoff
// before OnSubmitError is told the final error.
package batcher

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/utils/idutil"
	"github.com/openimsdk/tools/utils/stringutil"
)

// Default tunables, overridable per Batcher via Option.
var (
	DefaultDataChanSize = 1000
	DefaultSize         = 100
	DefaultBuffer       = 100
	DefaultWorker       = 5
	DefaultInterval     = time.Second
	DefaultMaxAttempts  = 5
	DefaultBaseBackoff  = 200 * time.Millisecond
)

// Config holds one Batcher's tunables, built from a chain of Options.
type Config struct {
	size        int
	buffer      int
	dataBuffer  int
	worker      int
	interval    time.Duration
	syncWait    bool
	maxAttempts int
	baseBackoff time.Duration
}

// Option configures a Batcher at construction time.
type Option func(c *Config)

// WithSize sets how many items accumulate before a batch is flushed.
func WithSize(s int) Option {
	return func(c *Config) { c.size = s }
}

// WithBuffer sets each worker channel's buffer depth.
func WithBuffer(b int) Option {
	return func(c *Config) { c.buffer = b }
}

// WithWorker sets the number of worker goroutines (and worker channels).
func WithWorker(w int) Option {
	return func(c *Config) { c.worker = w }
}

// WithInterval sets the flush interval applied even when a batch hasn't
// reached its size threshold.
func WithInterval(i time.Duration) Option {
	return func(c *Config) { c.interval = i }
}

// WithSyncWait makes distributeMessage block until every worker has
// finished (including retries) the batch it just received, turning
// Put-until-flush into a synchronous operation from the caller's
// perspective.
func WithSyncWait(wait bool) Option {
	return func(c *Config) { c.syncWait = wait }
}

// WithDataBuffer sets the main intake channel's buffer depth.
func WithDataBuffer(size int) Option {
	return func(c *Config) { c.dataBuffer = size }
}

// WithMaxAttempts caps how many times a failing Submit is retried
// (including the first attempt) before OnSubmitError is called.
func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.maxAttempts = n }
}

// WithBaseBackoff sets the base of the capped exponential backoff
// applied between Submit retries.
func WithBaseBackoff(d time.Duration) Option {
	return func(c *Config) { c.baseBackoff = d }
}

// Batcher aggregates items of type T by key, shards them onto a fixed
// pool of worker goroutines by hashing the key, and flushes each group
// to Submit, retrying on a Retryable error.
type Batcher[T any] struct {
	config *Config

	globalCtx context.Context
	cancel    context.CancelFunc

	// Submit, Key must be set before Start. Retryable, OnComplete,
	// HookFunc and OnSubmitError are optional.
	Submit func(ctx context.Context, val *Msg[T]) error
	Key    func(data *T) string

	// Retryable decides whether a Submit error is worth retrying.
	// Defaults to "always" when nil.
	Retryable func(err error) bool

	OnComplete    func(lastMessage *T, totalCount int)
	HookFunc      func(triggerID string, messages map[string][]*T, totalCount int, lastMessage *T)
	OnSubmitError func(ctx context.Context, val *Msg[T], err error)

	data     chan *T
	chArrays []chan *Msg[T]
	wait     sync.WaitGroup
	counter  sync.WaitGroup
}

func emptyOnComplete[T any](*T, int) {}

func emptyHookFunc[T any](string, map[string][]*T, int, *T) {}

func emptyOnSubmitError[T any](context.Context, *Msg[T], error) {}

// New builds a Batcher with config from opts, ready for Start once
// Submit and Key are assigned.
func New[T any](opts ...Option) *Batcher[T] {
	b := &Batcher[T]{
		OnComplete:    emptyOnComplete[T],
		HookFunc:      emptyHookFunc[T],
		OnSubmitError: emptyOnSubmitError[T],
	}

	config := &Config{
		size:        DefaultSize,
		buffer:      DefaultBuffer,
		worker:      DefaultWorker,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(config)
	}

	b.config = config
	dataBuffer := config.dataBuffer
	if dataBuffer <= 0 {
		dataBuffer = DefaultDataChanSize
	}
	b.data = make(chan *T, dataBuffer)
	b.globalCtx, b.cancel = context.WithCancel(context.Background())

	b.chArrays = make([]chan *Msg[T], b.config.worker)
	for i := 0; i < b.config.worker; i++ {
		b.chArrays[i] = make(chan *Msg[T], b.config.buffer)
	}
	return b
}

// Worker returns the configured worker count.
func (b *Batcher[T]) Worker() int {
	return b.config.worker
}

// Start launches the worker goroutines and the scheduler goroutine.
// Submit and Key must already be set.
func (b *Batcher[T]) Start() error {
	if b.Submit == nil {
		return errs.New("batcher: Submit function is required").Wrap()
	}
	if b.Key == nil {
		return errs.New("batcher: Key function is required").Wrap()
	}

	b.wait.Add(b.config.worker)
	for i := 0; i < b.config.worker; i++ {
		go b.run(i, b.chArrays[i])
	}

	b.wait.Add(1)
	go b.scheduler()
	return nil
}

// Put enqueues data, blocking until it's accepted, ctx is done, or the
// Batcher has been closed.
func (b *Batcher[T]) Put(ctx context.Context, data *T) error {
	if data == nil {
		return errs.New("batcher: data can not be nil").Wrap()
	}
	select {
	case <-b.globalCtx.Done():
		return errs.New("batcher: data channel is closed").Wrap()
	case <-ctx.Done():
		return ctx.Err()
	case b.data <- data:
		return nil
	}
}

func (b *Batcher[T]) scheduler() {
	ticker := time.NewTicker(b.config.interval)
	defer func() {
		ticker.Stop()
		for _, ch := range b.chArrays {
			close(ch)
		}
		close(b.data)
		b.wait.Done()
	}()

	vals := make(map[string][]*T)
	count := 0
	var lastAny *T

	for {
		select {
		case data, ok := <-b.data:
			if !ok {
				return
			}
			if data == nil {
				if count > 0 {
					b.distributeMessage(vals, count, lastAny)
				}
				return
			}

			key := b.Key(data)
			vals[key] = append(vals[key], data)
			lastAny = data
			count++

			if count >= b.config.size {
				b.distributeMessage(vals, count, lastAny)
				vals = make(map[string][]*T)
				count = 0
			}

		case <-ticker.C:
			if count > 0 {
				b.distributeMessage(vals, count, lastAny)
				vals = make(map[string][]*T)
				count = 0
			}
		}
	}
}

// Msg wraps one key's worth of accumulated items, handed to Submit.
type Msg[T any] struct {
	key       string
	triggerID string
	val       []*T
}

// Key returns the group key this message was batched under.
func (m Msg[T]) Key() string { return m.key }

// TriggerID returns the id of the flush round that produced this
// message, shared by every Msg dispatched in the same round.
func (m Msg[T]) TriggerID() string { return m.triggerID }

// Val returns the batched items.
func (m Msg[T]) Val() []*T { return m.val }

func (m Msg[T]) String() string {
	var sb strings.Builder
	sb.WriteString("Key: ")
	sb.WriteString(m.key)
	sb.WriteString(", Values: [")
	for i, v := range m.val {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%v", *v))
	}
	sb.WriteString("]")
	return sb.String()
}

// shard hashes key onto one of the worker channels, so every item
// sharing a key is always routed to (and processed in order by) the
// same worker.
func (b *Batcher[T]) shard(key string) int {
	return int(stringutil.GetHashCode(key)) % b.config.worker
}

func (b *Batcher[T]) distributeMessage(messages map[string][]*T, totalCount int, lastMessage *T) {
	triggerID := idutil.OperationIDGenerator()
	b.HookFunc(triggerID, messages, totalCount, lastMessage)

	for key, data := range messages {
		if b.config.syncWait {
			b.counter.Add(1)
		}
		channelID := b.shard(key)
		b.chArrays[channelID] <- &Msg[T]{key: key, triggerID: triggerID, val: data}
	}

	if b.config.syncWait {
		b.counter.Wait()
	}

	b.OnComplete(lastMessage, totalCount)
}

func (b *Batcher[T]) run(channelID int, ch <-chan *Msg[T]) {
	defer b.wait.Done()
	for msg := range ch {
		b.submitWithRetry(msg)
		if b.config.syncWait {
			b.counter.Done()
		}
	}
}

// submitWithRetry calls Submit, retrying on a Retryable error with
// capped exponential backoff up to maxAttempts before handing the
// exhausted error to OnSubmitError. channelID is deliberately not
// threaded through to Submit: retries can legitimately land on a
// different attempt count than the worker that first picked up msg, and
// Submit only needs the batch itself.
func (b *Batcher[T]) submitWithRetry(msg *Msg[T]) {
	retryable := b.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	ctx := context.Background()
	var lastErr error
	for attempt := 0; attempt < b.config.maxAttempts; attempt++ {
		err := b.Submit(ctx, msg)
		if err == nil {
			return
		}
		if !retryable(err) {
			b.OnSubmitError(ctx, msg, err)
			return
		}
		lastErr = err
		time.Sleep(backoffDuration(b.config.baseBackoff, attempt))
	}
	b.OnSubmitError(ctx, msg, errs.WrapMsg(lastErr, "batcher: submit exhausted retries"))
}

func backoffDuration(base time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return d + jitter
}

// Close stops accepting new items and blocks until every in-flight batch
// (including its retries) has been flushed and every worker goroutine
// has exited.
func (b *Batcher[T]) Close() {
	b.cancel()
	b.data <- nil
	b.wait.Wait()
}
