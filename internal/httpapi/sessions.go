package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"teleconsult/internal/payment"
	"teleconsult/internal/rbac"
	"teleconsult/internal/relay"
	"teleconsult/internal/session"
)

const (
	defaultPaymentWait = 25 * time.Second
	maxPaymentWait     = 60 * time.Second
)

// sessionView is the session as returned to a party. The access code of a paid
// session is withheld until its payment has cleared.
type sessionView struct {
	session.Session
	AccessCode string `json:"access_code,omitempty"`
}

func viewOf(s session.Session) sessionView {
	v := sessionView{Session: s}
	if s.Kind == session.KindFree || s.Status == session.StatusPaid || s.Status == session.StatusActive {
		v.AccessCode = s.AccessCode
	}
	return v
}

type createPaidRequest struct {
	DoctorID        string `json:"doctor_id" binding:"required"`
	PatientID       string `json:"patient_id"`
	DurationMinutes int    `json:"duration_minutes" binding:"required"`
	Amount          int64  `json:"amount" binding:"required"`
	Currency        string `json:"currency"`
	PayerContact    string `json:"payer_contact" binding:"required"`
}

// CreatePaidSession opens a paid consultation and its checkout. A patient
// caller books for themself when patient_id is omitted.
func (h Handlers) CreatePaidSession(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	var req createPaidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.PatientID == "" && role == rbac.RolePatient {
		req.PatientID = userID
	}
	if !rbac.CanAccessSession(role, userID, req.DoctorID, req.PatientID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "caller must be a party to the session"})
		return
	}

	s, checkout, err := h.Sessions.CreatePaidSession(c.Request.Context(), session.PaidSessionRequest{
		DoctorID:        req.DoctorID,
		PatientID:       req.PatientID,
		CreatedBy:       userID,
		DurationMinutes: req.DurationMinutes,
		AmountMinor:     req.Amount,
		Currency:        req.Currency,
		PayerContact:    req.PayerContact,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, struct {
		Session  sessionView      `json:"session"`
		Checkout payment.Checkout `json:"checkout"`
	}{viewOf(s), checkout})
}

type createFreeRequest struct {
	DoctorID        string `json:"doctor_id"`
	PatientID       string `json:"patient_id" binding:"required"`
	DurationMinutes int    `json:"duration_minutes"`
}

// CreateFreeSession opens a consultation with no payment step. A doctor
// caller hosts it when doctor_id is omitted.
func (h Handlers) CreateFreeSession(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	var req createFreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.DoctorID == "" && role == rbac.RoleDoctor {
		req.DoctorID = userID
	}
	if !rbac.CanAccessSession(role, userID, req.DoctorID, req.PatientID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "caller must be a party to the session"})
		return
	}

	s, err := h.Sessions.CreateFreeSession(c.Request.Context(), session.FreeSessionRequest{
		DoctorID:        req.DoctorID,
		PatientID:       req.PatientID,
		CreatedBy:       userID,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(s))
}

type joinRequest struct {
	Code     string `json:"code" binding:"required"`
	DoctorID string `json:"doctor_id" binding:"required"`
}

// JoinByCode resolves an access code to the caller's session. A code that
// belongs to someone else's session is reported as invalid.
func (h Handlers) JoinByCode(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "code and doctor_id required"})
		return
	}
	s, err := h.Sessions.ValidateAccessCode(c.Request.Context(), req.Code, req.DoctorID)
	if err == nil && !rbac.CanAccessSession(role, userID, s.DoctorID, s.PatientID) {
		err = session.ErrCodeInvalid
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

// ListWaiting returns a doctor's open sessions, newest first. A doctor lists
// their own when doctor_id is omitted; only admins may list another doctor's.
func (h Handlers) ListWaiting(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	doctorID := c.Query("doctor_id")
	if doctorID == "" && role == rbac.RoleDoctor {
		doctorID = userID
	}
	if doctorID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "doctor_id required"})
		return
	}
	if !rbac.IsAdmin(role) && !(role == rbac.RoleDoctor && doctorID == userID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	list, err := h.Sessions.WaitingList(c.Request.Context(), doctorID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, viewOf(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// loadParty reads the session in the path and checks the caller is a party.
func (h Handlers) loadParty(c *gin.Context) (session.Session, string, bool) {
	userID, role, ok := identity(c)
	if !ok {
		return session.Session{}, "", false
	}
	s, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return session.Session{}, "", false
	}
	if !rbac.CanAccessSession(role, userID, s.DoctorID, s.PatientID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return session.Session{}, "", false
	}
	return s, userID, true
}

func (h Handlers) GetSession(c *gin.Context) {
	s, _, ok := h.loadParty(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

// IssueToken hands a party the channel-scoped media token for the session.
// Holding a session grants nothing media-wise until this succeeds.
func (h Handlers) IssueToken(c *gin.Context) {
	s, userID, ok := h.loadParty(c)
	if !ok {
		return
	}
	switch {
	case s.Status.Terminal():
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session is " + s.Status.String()})
		return
	case s.Kind == session.KindPaid && s.Status == session.StatusPending:
		writeError(c, session.ErrNotPaid)
		return
	}
	grant, err := h.Issuer.Issue(c.Request.Context(), relay.Request{
		Channel: s.ChannelName,
		Role:    relay.RolePublisher,
		UserID:  userID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

// ActivateSession records that the caller's media joined. Free sessions pass
// through the free-access grant; paid ones must have cleared payment.
func (h Handlers) ActivateSession(c *gin.Context) {
	s, userID, ok := h.loadParty(c)
	if !ok {
		return
	}
	ctx := session.WithActor(c.Request.Context(), userID)
	s, err := h.Sessions.MarkActive(ctx, s.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

// EndSession ends an active session or cancels one that never started.
func (h Handlers) EndSession(c *gin.Context) {
	s, userID, ok := h.loadParty(c)
	if !ok {
		return
	}
	ctx := session.WithActor(c.Request.Context(), userID)
	s, err := h.Sessions.MarkEnded(ctx, s.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

type paymentStatusResponse struct {
	Session sessionView `json:"session"`
	// Decisive is false when the wait window closed with payment still pending.
	Decisive bool `json:"decisive"`
}

// AwaitPayment long-polls the payment gate. The wait is bounded by the wait
// query parameter (default 25s, max 60s); a pending result is not an error.
func (h Handlers) AwaitPayment(c *gin.Context) {
	s, _, ok := h.loadParty(c)
	if !ok {
		return
	}
	wait := h.PaymentWait
	if wait <= 0 {
		wait = defaultPaymentWait
	}
	if v := c.Query("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "wait must be a positive duration"})
			return
		}
		wait = min(d, maxPaymentWait)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	got, err := h.Sessions.AwaitPayment(ctx, s.ID)
	switch {
	case err == nil, errors.Is(err, session.ErrNotPaid):
		c.JSON(http.StatusOK, paymentStatusResponse{Session: viewOf(got), Decisive: true})
	case errors.Is(err, context.DeadlineExceeded) && c.Request.Context().Err() == nil:
		if got.ID == "" {
			got = s
		}
		c.JSON(http.StatusOK, paymentStatusResponse{Session: viewOf(got)})
	default:
		writeError(c, err)
	}
}
