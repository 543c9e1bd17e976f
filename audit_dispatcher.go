package tideflow

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher decouples event producers from a possibly slow sink.
// A nil dispatcher drops everything.
type auditDispatcher struct {
	sink      AuditSink
	dropFull  bool
	ch        chan AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		sink:     sink,
		dropFull: cfg.DropIfFull,
		ch:       make(chan AuditEvent, size),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *auditDispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.ch:
			d.sink.Emit(context.Background(), ev)
		case <-d.done:
			// drain what was queued before Close
			for {
				select {
				case ev := <-d.ch:
					d.sink.Emit(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// Emit queues ev. With dropFull it never blocks; otherwise it waits for
// space, ctx or Close.
func (d *auditDispatcher) Emit(ctx context.Context, ev AuditEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.dropFull {
		select {
		case d.ch <- ev:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- ev:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close stops the worker after flushing queued events. Safe to call twice.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
