package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"teleconsult/internal/audit"
	"teleconsult/internal/metrics"
	"teleconsult/internal/payment"
)

const (
	DefaultCodeWindow     = 30 * time.Minute
	DefaultPaymentTimeout = 15 * time.Minute

	// Each attempt is one read plus one compare-and-set; a free activation needs two hops.
	maxTransitionAttempts = 5
)

// PaidSessionRequest opens a consultation that is gated on a checkout.
type PaidSessionRequest struct {
	DoctorID        string `validate:"required"`
	PatientID       string `validate:"required"`
	CreatedBy       string
	DurationMinutes int    `validate:"gt=0,lte=480"`
	AmountMinor     int64  `validate:"gt=0"`
	Currency        string `validate:"omitempty,len=3"`
	PayerContact    string `validate:"required"`
}

// FreeSessionRequest opens a consultation with no payment step.
type FreeSessionRequest struct {
	DoctorID        string `validate:"required"`
	PatientID       string `validate:"required"`
	CreatedBy       string
	DurationMinutes int `validate:"gte=0,lte=480"`
}

type Options struct {
	Store    Store
	Payments payment.Initiator
	Audit    *audit.Service
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time

	CodeWindow     time.Duration
	PaymentTimeout time.Duration
	Currency       string
}

// Manager owns the session status machine. It holds no per-session state;
// every decision is made against the row read from the store.
type Manager struct {
	store    Store
	payments payment.Initiator
	audit    *audit.Service
	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    func() time.Time
	validate *validator.Validate

	codeWindow     time.Duration
	paymentTimeout time.Duration
	currency       string
}

func NewManager(o Options) *Manager {
	m := &Manager{
		store:          o.Store,
		payments:       o.Payments,
		audit:          o.Audit,
		metrics:        o.Metrics,
		log:            o.Logger,
		clock:          o.Clock,
		validate:       validator.New(),
		codeWindow:     o.CodeWindow,
		paymentTimeout: o.PaymentTimeout,
		currency:       o.Currency,
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.codeWindow <= 0 {
		m.codeWindow = DefaultCodeWindow
	}
	if m.paymentTimeout <= 0 {
		m.paymentTimeout = DefaultPaymentTimeout
	}
	if m.currency == "" {
		m.currency = "INR"
	}
	return m
}

func (m *Manager) now() time.Time { return m.clock().UTC() }

func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, ErrInvalidArgument
	}
	return m.store.Get(ctx, id)
}

// WaitingList returns the sessions still open for doctorID, newest first:
// free sessions appear as soon as they are created, paid ones while their
// payment is outstanding or cleared.
func (m *Manager) WaitingList(ctx context.Context, doctorID string) ([]Session, error) {
	if doctorID == "" {
		return nil, ErrInvalidArgument
	}
	return m.store.ListOpenByDoctor(ctx, doctorID)
}

// CreatePaidSession writes a pending session and opens a checkout for it.
// When the checkout cannot be opened the session is moved to failed and a
// *PaymentInitError is returned together with that failed session.
func (m *Manager) CreatePaidSession(ctx context.Context, req PaidSessionRequest) (Session, payment.Checkout, error) {
	if err := m.validate.Struct(req); err != nil {
		return Session{}, payment.Checkout{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if req.CreatedBy == "" {
		req.CreatedBy = req.PatientID
	}
	if req.Currency == "" {
		req.Currency = m.currency
	}

	s, err := m.newSession(KindPaid, req.DoctorID, req.PatientID, req.CreatedBy)
	if err != nil {
		return Session{}, payment.Checkout{}, err
	}
	s.Amount = req.AmountMinor
	s.Currency = req.Currency
	s.DurationMinutes = req.DurationMinutes

	if err := m.store.Create(ctx, s); err != nil {
		return Session{}, payment.Checkout{}, err
	}
	m.created(ctx, s)

	co, err := m.initiatePayment(ctx, s, req.PayerContact)
	if err != nil {
		log := m.log.With(slog.String("session_id", s.ID))
		log.Error("payment initiation failed", slog.Any("err", err))
		m.appendAudit(ctx, audit.Event{
			SessionID:   s.ID,
			Type:        audit.EventTypePaymentInitFailed,
			ActorUserID: req.CreatedBy,
			Message:     err.Error(),
		})
		failed, ferr := m.advance(ctx, s.ID, func(cur Session) (*step, error) {
			if cur.Status.Terminal() {
				return nil, nil
			}
			return &step{to: StatusFailed}, nil
		})
		if ferr != nil {
			log.Error("could not mark session failed", slog.Any("err", ferr))
			failed = s
		}
		return failed, payment.Checkout{}, &PaymentInitError{SessionID: s.ID, Err: err}
	}
	return s, co, nil
}

func (m *Manager) initiatePayment(ctx context.Context, s Session, payerContact string) (payment.Checkout, error) {
	if m.payments == nil {
		return payment.Checkout{}, errors.New("payment initiator not configured")
	}
	co, err := m.payments.Initiate(ctx, payment.Request{
		AmountMinor:  s.Amount,
		Currency:     s.Currency,
		PayerContact: payerContact,
		SessionRef:   s.ID,
		Description:  fmt.Sprintf("Consultation %d min", s.DurationMinutes),
	})
	if err != nil {
		return payment.Checkout{}, err
	}
	if !co.Usable() {
		return payment.Checkout{}, payment.ErrNoCheckout
	}
	return co, nil
}

// CreateFreeSession writes a pending session with no payment step.
func (m *Manager) CreateFreeSession(ctx context.Context, req FreeSessionRequest) (Session, error) {
	if err := m.validate.Struct(req); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if req.CreatedBy == "" {
		req.CreatedBy = req.DoctorID
	}
	s, err := m.newSession(KindFree, req.DoctorID, req.PatientID, req.CreatedBy)
	if err != nil {
		return Session{}, err
	}
	s.DurationMinutes = req.DurationMinutes

	if err := m.store.Create(ctx, s); err != nil {
		return Session{}, err
	}
	m.created(ctx, s)
	return s, nil
}

func (m *Manager) newSession(kind Kind, doctorID, patientID, createdBy string) (Session, error) {
	now := m.now()
	channel, err := NewChannelName(kind, doctorID, now)
	if err != nil {
		return Session{}, err
	}
	code, err := NewAccessCode()
	if err != nil {
		return Session{}, err
	}
	return Session{
		ID:          uuid.NewString(),
		DoctorID:    doctorID,
		PatientID:   patientID,
		CreatedBy:   createdBy,
		Kind:        kind,
		ChannelName: channel,
		AccessCode:  code,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (m *Manager) created(ctx context.Context, s Session) {
	m.metrics.SessionCreated(string(s.Kind))
	m.log.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("kind", string(s.Kind)),
		slog.String("channel", s.ChannelName),
	)
	m.appendAudit(ctx, audit.Event{
		SessionID:   s.ID,
		Type:        audit.EventTypeSessionCreated,
		ActorUserID: s.CreatedBy,
		Message:     string(s.Kind),
	})
}

// ValidateAccessCode resolves a human-entered code to a live session of doctorID
// created within the code window. When more than one session matches, the most
// recently created one wins and the collision is logged and audited.
func (m *Manager) ValidateAccessCode(ctx context.Context, code, doctorID string) (Session, error) {
	code = NormalizeAccessCode(code)
	if doctorID == "" || !ValidAccessCodeFormat(code) {
		m.metrics.CodeValidated("invalid")
		return Session{}, ErrCodeInvalid
	}

	since := m.now().Add(-m.codeWindow)
	found, err := m.store.FindByCode(ctx, code, doctorID, since)
	if err != nil {
		return Session{}, err
	}

	matches := found[:0:0]
	for _, s := range found {
		if s.AccessCode != code || s.DoctorID != doctorID || s.CreatedAt.Before(since) || s.Status.Terminal() {
			continue
		}
		matches = append(matches, s)
	}
	if len(matches) == 0 {
		m.metrics.CodeValidated("invalid")
		return Session{}, ErrCodeInvalid
	}
	sortNewestFirst(matches)
	chosen := matches[0]

	if len(matches) > 1 {
		others := make([]string, 0, len(matches)-1)
		for _, s := range matches[1:] {
			others = append(others, s.ID)
		}
		m.log.Warn("access code matched multiple sessions",
			slog.String("doctor_id", doctorID),
			slog.String("session_id", chosen.ID),
			slog.Any("other_session_ids", others),
		)
		if m.audit != nil {
			if err := m.audit.LogCodeCollision(ctx, chosen.ID, doctorID, others); err != nil {
				m.log.Warn("audit append failed", slog.Any("err", err))
			}
		}
		m.metrics.CodeValidated("collision")
		return chosen, nil
	}
	m.metrics.CodeValidated("ok")
	return chosen, nil
}

// MarkActive records that a party joined media. Free sessions pass through the
// free-access grant (pending -> paid) first; paid sessions must already be paid.
// Calling it on an active session is a no-op.
func (m *Manager) MarkActive(ctx context.Context, id string) (Session, error) {
	return m.advance(ctx, id, func(cur Session) (*step, error) {
		switch cur.Status {
		case StatusActive:
			return nil, nil
		case StatusPaid:
			return &step{to: StatusActive}, nil
		case StatusPending:
			if cur.Kind == KindFree {
				return &step{to: StatusPaid}, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrNotPaid, ErrInvalidTransition)
		default:
			return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, cur.Status)
		}
	})
}

// MarkEnded terminates the session: active becomes ended, pending or paid
// becomes cancelled. Terminal sessions are left untouched.
func (m *Manager) MarkEnded(ctx context.Context, id string) (Session, error) {
	return m.advance(ctx, id, func(cur Session) (*step, error) {
		switch {
		case cur.Status.Terminal():
			return nil, nil
		case cur.Status == StatusActive:
			return &step{to: StatusEnded}, nil
		default:
			return &step{to: StatusCancelled}, nil
		}
	})
}

// RecordPaymentOutcome applies the provider's verdict to the session row.
// Repeated deliveries of the same outcome are no-ops.
func (m *Manager) RecordPaymentOutcome(ctx context.Context, id, paymentID string, outcome Status) (Session, error) {
	switch outcome {
	case StatusPaid, StatusFailed, StatusCancelled:
	default:
		return Session{}, fmt.Errorf("%w: outcome %q", ErrInvalidArgument, outcome)
	}
	return m.advance(ctx, id, func(cur Session) (*step, error) {
		if cur.Status == outcome {
			return nil, nil
		}
		if outcome == StatusPaid && cur.Status == StatusActive {
			return nil, nil
		}
		if !CanTransition(cur.Status, outcome) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, outcome)
		}
		return &step{to: outcome, paymentID: paymentID}, nil
	})
}

type step struct {
	to        Status
	paymentID string
}

// advance repeatedly reads the row and asks next for the following edge until
// next reports done (nil step). Lost compare-and-set races are retried.
func (m *Manager) advance(ctx context.Context, id string, next func(Session) (*step, error)) (Session, error) {
	if id == "" {
		return Session{}, ErrInvalidArgument
	}
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return Session{}, err
		}
		st, err := next(cur)
		if err != nil || st == nil {
			return cur, err
		}
		if _, err := applyTransition(cur.Status, st.to); err != nil {
			return cur, fmt.Errorf("%w: %s -> %s", err, cur.Status, st.to)
		}

		upd, err := m.store.UpdateStatus(ctx, id, StatusUpdate{
			From:      cur.Status,
			To:        st.to,
			At:        m.now(),
			PaymentID: st.paymentID,
		})
		if errors.Is(err, ErrStaleStatus) {
			continue
		}
		if err != nil {
			return cur, err
		}

		m.log.Info("session status changed",
			slog.String("session_id", id),
			slog.String("from", string(cur.Status)),
			slog.String("to", string(upd.Status)),
		)
		if m.audit != nil {
			if err := m.audit.LogStatusChange(ctx, id, string(cur.Status), string(upd.Status), actorFrom(ctx)); err != nil {
				m.log.Warn("audit append failed", slog.Any("err", err))
			}
		}
	}
	return Session{}, fmt.Errorf("%w: gave up after %d attempts", ErrStaleStatus, maxTransitionAttempts)
}

func (m *Manager) appendAudit(ctx context.Context, e audit.Event) {
	if m.audit == nil {
		return
	}
	if e.ActorUserID == "" {
		e.ActorUserID = actorFrom(ctx)
	}
	if err := m.audit.Append(ctx, e); err != nil {
		m.log.Warn("audit append failed", slog.Any("err", err))
	}
}

type actorKey struct{}

// WithActor attaches the acting user id to ctx for audit records.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

func actorFrom(ctx context.Context) string {
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}
