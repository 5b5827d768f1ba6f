package coordinator

import (
	"context"
	"time"
)

// task is a suspendable piece of a step handler. advance is called once per
// tick and returns true when the task has finished.
type task interface {
	advance(ctx context.Context, now time.Time) bool
}

// do runs fn once and finishes.
type do func(ctx context.Context)

func (f do) advance(ctx context.Context, _ time.Time) bool {
	f(ctx)
	return true
}

// sleep finishes once d has passed since it was first advanced.
type sleep struct {
	d     time.Duration
	until time.Time
	armed bool
}

func sleepFor(d time.Duration) *sleep { return &sleep{d: d} }

func (s *sleep) advance(_ context.Context, now time.Time) bool {
	if !s.armed {
		s.armed = true
		s.until = now.Add(s.d)
	}
	return !now.Before(s.until)
}

// poll evaluates until on every interval until it holds. A positive timeout
// gives up once exceeded and calls onTimeout.
type poll struct {
	interval  time.Duration
	timeout   time.Duration
	until     func(ctx context.Context, now time.Time) bool
	onPoll    func(elapsed time.Duration)
	onTimeout func(elapsed time.Duration)

	start time.Time
	next  time.Time
	armed bool
}

func (p *poll) advance(ctx context.Context, now time.Time) bool {
	if !p.armed {
		p.armed = true
		p.start = now
		p.next = now
	}
	if now.Before(p.next) {
		return false
	}

	if p.until(ctx, now) {
		return true
	}
	elapsed := now.Sub(p.start)
	if p.timeout > 0 && elapsed >= p.timeout {
		if p.onTimeout != nil {
			p.onTimeout(elapsed)
		}
		return true
	}
	if p.onPoll != nil {
		p.onPoll(elapsed)
	}
	p.next = now.Add(p.interval)
	return false
}

// countdown reports the remaining time every interval until total elapses.
type countdown struct {
	total    time.Duration
	interval time.Duration
	report   func(remaining time.Duration)

	end   time.Time
	next  time.Time
	armed bool
}

func (c *countdown) advance(_ context.Context, now time.Time) bool {
	if !c.armed {
		c.armed = true
		c.end = now.Add(c.total)
		c.next = now
	}
	if !now.Before(c.end) {
		return true
	}
	if !now.Before(c.next) {
		c.report(c.end.Sub(now))
		c.next = now.Add(c.interval)
	}
	return false
}

// seq runs tasks one after another. Tasks that finish immediately do not
// yield, so a chain of do tasks completes within a single tick.
type seq struct {
	tasks []task
	i     int
}

func sequence(tasks ...task) *seq { return &seq{tasks: tasks} }

func (s *seq) advance(ctx context.Context, now time.Time) bool {
	for s.i < len(s.tasks) {
		if !s.tasks[s.i].advance(ctx, now) {
			return false
		}
		s.i++
	}
	return true
}

// deferred builds its task when first reached, so it can depend on what
// earlier tasks observed. A nil task finishes immediately.
type deferred struct {
	build func() task
	t     task
	built bool
}

func later(build func() task) *deferred { return &deferred{build: build} }

func (d *deferred) advance(ctx context.Context, now time.Time) bool {
	if !d.built {
		d.built = true
		d.t = d.build()
	}
	if d.t == nil {
		return true
	}
	return d.t.advance(ctx, now)
}
