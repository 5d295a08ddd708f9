package session

import (
	"context"
	"errors"
	"fmt"
)

// PaymentEvent is one observation of a session while waiting on its payment.
// Err is set on the final event when the wait ended without a decisive status.
type PaymentEvent struct {
	Session Session
	Err     error
}

// Decisive reports whether the wait is over: anything but pending.
func (e PaymentEvent) Decisive() bool {
	return e.Err == nil && e.Session.Status != StatusPending
}

// ObservePayment streams the session's status until it leaves pending, the
// payment timeout elapses (final event carries ErrPaymentTimeout), or ctx ends
// (channel closes with no final event). The first event is the current row.
//
// The feed may skip states, so paid is not guaranteed to be observed before
// active; both mean the payment gate is open.
func (m *Manager) ObservePayment(ctx context.Context, id string) (<-chan PaymentEvent, error) {
	if id == "" {
		return nil, ErrInvalidArgument
	}
	waitCtx, cancel := context.WithTimeout(ctx, m.paymentTimeout)

	// Subscribe before reading so a change between the two is not lost.
	feed, err := m.store.Subscribe(waitCtx, id)
	if err != nil {
		cancel()
		return nil, err
	}
	cur, err := m.store.Get(waitCtx, id)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan PaymentEvent, 1)
	go func() {
		defer close(out)
		defer cancel()

		send := func(e PaymentEvent) bool {
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}
		timedOut := func() {
			if ctx.Err() == nil {
				send(PaymentEvent{Session: cur, Err: ErrPaymentTimeout})
			}
		}

		if !send(PaymentEvent{Session: cur}) || cur.Status != StatusPending {
			return
		}
		for {
			select {
			case s, ok := <-feed:
				if !ok {
					if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
						timedOut()
					} else if ctx.Err() == nil {
						send(PaymentEvent{Session: cur, Err: fmt.Errorf("%w: change feed closed", ErrPersistence)})
					}
					return
				}
				if s.Status == cur.Status {
					continue
				}
				cur = s
				if !send(PaymentEvent{Session: s}) || s.Status != StatusPending {
					return
				}
			case <-waitCtx.Done():
				timedOut()
				return
			}
		}
	}()
	return out, nil
}

// AwaitPayment blocks until the payment gate resolves. It returns the session
// once it is paid (or already active), ErrNotPaid if it went to any other
// state, or ErrPaymentTimeout.
func (m *Manager) AwaitPayment(ctx context.Context, id string) (Session, error) {
	events, err := m.ObservePayment(ctx, id)
	if err != nil {
		return Session{}, err
	}
	var last Session
	for e := range events {
		last = e.Session
		if e.Err != nil {
			return last, e.Err
		}
		if !e.Decisive() {
			continue
		}
		switch e.Session.Status {
		case StatusPaid, StatusActive:
			return e.Session, nil
		default:
			return e.Session, fmt.Errorf("%w: session is %s", ErrNotPaid, e.Session.Status)
		}
	}
	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, ErrPaymentTimeout
}
