package checker

import (
	"context"
	"errors"
	"time"

	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/rs/zerolog/log"
)

// Dispatcher yields the ids of the bitstreams to check next. ok is false once
// the dispatcher is exhausted.
type Dispatcher interface {
	Next(ctx context.Context) (id int64, ok bool, err error)
}

// DispatcherFactory builds a dispatcher for one run. q reads outside any
// transaction, so results of the run become visible once their batch is
// written; processStart is when the run began.
type DispatcherFactory func(q metadata.Querier, processStart time.Time) Dispatcher

// pendingWatcher is implemented by dispatchers that choose ids from recorded
// results and so must know about results not yet written.
type pendingWatcher interface {
	watchPending(p *pendingBatch)
}

// SimpleDispatcher always yields the bitstream with the oldest last check.
// In a single pass it stops once every bitstream has been checked since the
// run started; when looping it never stops by itself.
type SimpleDispatcher struct {
	q            metadata.Querier
	processStart time.Time
	loop         bool
	pending      *pendingBatch
}

// NewSimpleDispatcher creates a dispatcher over all bitstreams due for checking.
func NewSimpleDispatcher(q metadata.Querier, processStart time.Time, loop bool) *SimpleDispatcher {
	return &SimpleDispatcher{q: q, processStart: processStart, loop: loop}
}

func (d *SimpleDispatcher) Next(ctx context.Context) (int64, bool, error) {
	startedBefore := d.processStart
	if d.loop {
		startedBefore = time.Time{}
	}
	if d.pending == nil || d.pending.len() == 0 {
		return metadata.OldestUnchecked(ctx, d.q, startedBefore)
	}

	id, ok, err := metadata.OldestUnchecked(ctx, d.q, startedBefore, d.pending.ids()...)
	if err != nil || ok {
		return id, ok, err
	}
	// Everything due is waiting to be written; write it and look again.
	if err := d.pending.flush(ctx); err != nil {
		return 0, false, err
	}
	return metadata.OldestUnchecked(ctx, d.q, startedBefore)
}

func (d *SimpleDispatcher) watchPending(p *pendingBatch) { d.pending = p }

// LimitedCountDispatcher stops after delivering a fixed number of ids.
type LimitedCountDispatcher struct {
	inner     Dispatcher
	remaining int
}

// NewLimitedCountDispatcher wraps inner, yielding at most count ids.
func NewLimitedCountDispatcher(inner Dispatcher, count int) *LimitedCountDispatcher {
	return &LimitedCountDispatcher{inner: inner, remaining: count}
}

func (d *LimitedCountDispatcher) Next(ctx context.Context) (int64, bool, error) {
	if d.remaining <= 0 {
		return 0, false, nil
	}
	id, ok, err := d.inner.Next(ctx)
	if err != nil || !ok {
		return id, ok, err
	}
	d.remaining--
	return id, true, nil
}

func (d *LimitedCountDispatcher) watchPending(p *pendingBatch) {
	if w, ok := d.inner.(pendingWatcher); ok {
		w.watchPending(p)
	}
}

// LimitedDurationDispatcher stops once its deadline has passed. A check
// already started when the deadline passes is allowed to finish.
type LimitedDurationDispatcher struct {
	inner    Dispatcher
	deadline time.Time
	now      func() time.Time
}

// NewLimitedDurationDispatcher wraps inner, yielding ids until deadline.
func NewLimitedDurationDispatcher(inner Dispatcher, deadline time.Time) *LimitedDurationDispatcher {
	return &LimitedDurationDispatcher{inner: inner, deadline: deadline, now: time.Now}
}

func (d *LimitedDurationDispatcher) Next(ctx context.Context) (int64, bool, error) {
	if !d.now().Before(d.deadline) {
		return 0, false, nil
	}
	return d.inner.Next(ctx)
}

func (d *LimitedDurationDispatcher) watchPending(p *pendingBatch) {
	if w, ok := d.inner.(pendingWatcher); ok {
		w.watchPending(p)
	}
}

// ListDispatcher yields a fixed list of ids in order.
type ListDispatcher struct {
	ids []int64
	pos int
}

// NewListDispatcher creates a dispatcher over ids.
func NewListDispatcher(ids []int64) *ListDispatcher {
	return &ListDispatcher{ids: ids}
}

func (d *ListDispatcher) Next(ctx context.Context) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if d.pos >= len(d.ids) {
		return 0, false, nil
	}
	id := d.ids[d.pos]
	d.pos++
	return id, true, nil
}

// HandleDispatcher yields every bitstream contained in the object a handle
// names: a community (including sub-communities), collection, item, bundle or
// bitstream. The handle is resolved on the first call. An unknown handle
// yields nothing.
type HandleDispatcher struct {
	q      metadata.Querier
	handle string
	list   *ListDispatcher
}

// NewHandleDispatcher creates a dispatcher over the bitstreams under handle.
func NewHandleDispatcher(q metadata.Querier, handle string) *HandleDispatcher {
	return &HandleDispatcher{q: q, handle: handle}
}

func (d *HandleDispatcher) Next(ctx context.Context) (int64, bool, error) {
	if d.list == nil {
		ids, err := d.resolve(ctx)
		if err != nil {
			return 0, false, err
		}
		d.list = NewListDispatcher(ids)
	}
	return d.list.Next(ctx)
}

func (d *HandleDispatcher) resolve(ctx context.Context) ([]int64, error) {
	typ, id, err := metadata.ResolveHandle(ctx, d.q, d.handle)
	if errors.Is(err, metadata.ErrNotFound) {
		log.Warn().Str("handle", d.handle).Msg("handle does not resolve to any object; nothing to check")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ids, err := metadata.BitstreamIDsUnder(ctx, d.q, typ, id)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("handle", d.handle).Str("type", typ.String()).Int("bitstreams", len(ids)).Msg("resolved handle")
	return ids, nil
}
