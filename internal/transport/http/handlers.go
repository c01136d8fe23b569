package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/audit"
	"github.com/latticehq/lattice/internal/auth"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/domain"
	"github.com/latticehq/lattice/internal/eventstore"
	"github.com/latticehq/lattice/internal/storage/object"
)

// EventService is the event-log surface the handlers need.
type EventService interface {
	Save(ctx context.Context, p eventstore.SaveParams) (*eventstore.Event, error)
	ListByAggregate(ctx context.Context, orgID uuid.UUID, aggregateID string) ([]eventstore.Event, error)
	QueryTotals(ctx context.Context, orgID uuid.UUID, from, to time.Time) (eventstore.Totals, error)
	CountByType(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]eventstore.TypeCount, error)
}

// AuthService is the account surface the handlers need.
type AuthService interface {
	Register(ctx context.Context, email, password, orgName string) (*auth.User, error)
	Login(ctx context.Context, email, password string) (auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
}

// Pinger is a readiness probe for a backing service.
type Pinger interface {
	Ready(ctx context.Context) error
}

// AuditSink decouples handlers from the audit recorder.
type AuditSink interface {
	Enqueue(rec audit.Record) bool
}

type ServerDeps struct {
	Cfg    config.Config
	Log    *slog.Logger
	Events EventService
	Auth   AuthService
	Tokens TokenValidator
	Blobs  object.Store
	Audit  AuditSink
	DB     Pinger
	Redis  Pinger
	Now    func() time.Time
}

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := d.DB.Ready(r.Context()); err != nil {
		WriteProblem(w, http.StatusServiceUnavailable, "not ready", "database not reachable", nil)
		return
	}
	if err := d.Redis.Ready(r.Context()); err != nil {
		WriteProblem(w, http.StatusServiceUnavailable, "not ready", "redis not reachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth ---

type registerReq struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Organization string `json:"organization"`
}

func (d *ServerDeps) HandleRegister(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req registerReq
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	if req.Email == "" || len(req.Password) < 8 || req.Organization == "" {
		WriteProblem(w, http.StatusBadRequest, "validation failed",
			"email, organization and a password of at least 8 characters are required", nil)
		return
	}
	u, err := d.Auth.Register(r.Context(), req.Email, req.Password, req.Organization)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			WriteProblem(w, http.StatusConflict, "conflict", "email already registered", nil)
			return
		}
		d.Log.Error("register failed", "err", err)
		WriteProblem(w, http.StatusInternalServerError, "internal error", "registration failed", nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id":         u.ID.String(),
		"organization_id": u.OrganizationID.String(),
	})
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (d *ServerDeps) HandleLogin(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req loginReq
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	pair, err := d.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			WriteProblem(w, http.StatusUnauthorized, "unauthorized", "invalid credentials", nil)
			return
		}
		d.Log.Error("login failed", "err", err)
		WriteProblem(w, http.StatusInternalServerError, "internal error", "login failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

func (d *ServerDeps) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req refreshReq
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	pair, err := d.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrTokenInvalid) || errors.Is(err, auth.ErrTokenRevoked) {
			WriteProblem(w, http.StatusUnauthorized, "unauthorized", "invalid or revoked refresh token", nil)
			return
		}
		d.Log.Error("refresh failed", "err", err)
		WriteProblem(w, http.StatusInternalServerError, "internal error", "refresh failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (d *ServerDeps) HandleLogout(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req refreshReq
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	if err := d.Auth.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, auth.ErrTokenInvalid) {
			WriteProblem(w, http.StatusUnauthorized, "unauthorized", "invalid refresh token", nil)
			return
		}
		d.Log.Error("logout failed", "err", err)
		WriteProblem(w, http.StatusInternalServerError, "internal error", "logout failed", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Events ---

func (d *ServerDeps) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		WriteProblem(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}

	var req domain.SaveEventRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	if errs := domain.ValidateSaveEvent(&req, d.Now(), d.Cfg.ClockSkew); len(errs) > 0 {
		prob := map[string][]string{}
		for _, fe := range errs {
			prob[fe.Field] = append(prob[fe.Field], fe.Msg)
		}
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", prob)
		return
	}

	metadata := req.Metadata
	if req.OccurredAt != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["occurred_at"] = req.OccurredAt
	}

	params := eventstore.SaveParams{
		AggregateID:    req.AggregateID,
		AggregateType:  req.AggregateType,
		EventType:      req.EventType,
		EventVersion:   req.EventVersion,
		Data:           req.Data,
		Metadata:       metadata,
		OrganizationID: uuid.NullUUID{UUID: id.OrganizationID, Valid: true},
		UserID:         uuid.NullUUID{UUID: id.UserID, Valid: true},
		SessionID:      uuid.NullUUID{UUID: id.SessionID, Valid: true},
	}
	// CausationID/CorrelationID were checked by ValidateSaveEvent.
	if v, err := uuid.Parse(req.CausationID); err == nil {
		params.CausationID = uuid.NullUUID{UUID: v, Valid: true}
	}
	if v, err := uuid.Parse(req.CorrelationID); err == nil {
		params.CorrelationID = uuid.NullUUID{UUID: v, Valid: true}
	}

	ev, err := d.Events.Save(r.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, eventstore.ErrEmptyAggregateID):
			WriteProblem(w, http.StatusBadRequest, "validation failed", "aggregate_id is required", nil)
		case eventstore.IsSequenceConflict(err):
			WriteProblem(w, http.StatusConflict, "sequence conflict",
				"could not assign a sequence number, please retry", nil)
		default:
			d.Log.Error("event save failed", "aggregate_id", req.AggregateID, "err", err)
			WriteProblem(w, http.StatusInternalServerError, "internal error", "event save failed", nil)
		}
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (d *ServerDeps) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		WriteProblem(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}
	aggregateID := r.PathValue("id")
	if aggregateID == "" {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", "aggregate id is required", nil)
		return
	}
	events, err := d.Events.ListByAggregate(r.Context(), id.OrganizationID, aggregateID)
	if err != nil {
		d.Log.Error("list events failed", "aggregate_id", aggregateID, "err", err)
		WriteProblem(w, http.StatusInternalServerError, "internal error", "query failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

const defaultStatsWindow = 24 * time.Hour

func (d *ServerDeps) HandleEventStats(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		WriteProblem(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}

	now := d.Now()
	from, to := now.Add(-defaultStatsWindow), now
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			WriteProblem(w, http.StatusBadRequest, "invalid parameters", "from must be epoch seconds", nil)
			return
		}
		from = time.Unix(sec, 0).UTC()
	}
	if v := q.Get("to"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			WriteProblem(w, http.StatusBadRequest, "invalid parameters", "to must be epoch seconds", nil)
			return
		}
		to = time.Unix(sec, 0).UTC()
	}

	totals, err := d.Events.QueryTotals(r.Context(), id.OrganizationID, from, to)
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "internal error", "query failed", nil)
		return
	}
	byType, err := d.Events.CountByType(r.Context(), id.OrganizationID, from, to)
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "internal error", "query failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals, "by_type": byType})
}

// --- Attachments ---

func (d *ServerDeps) HandleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		WriteProblem(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid body", err.Error(), nil)
		return
	}
	if len(data) == 0 {
		WriteProblem(w, http.StatusBadRequest, "invalid body", "empty attachment", nil)
		return
	}
	hash, err := d.Blobs.Put(r.Context(), data)
	if err != nil {
		d.Log.Error("attachment upload failed", "err", err)
		WriteProblem(w, http.StatusInternalServerError, "internal error", "upload failed", nil)
		return
	}

	d.Audit.Enqueue(audit.Record{
		Action:         audit.ActionAttachmentUploaded,
		Subject:        hash,
		SubjectType:    "attachment",
		Payload:        map[string]any{"size": len(data)},
		OrganizationID: uuid.NullUUID{UUID: id.OrganizationID, Valid: true},
		UserID:         uuid.NullUUID{UUID: id.UserID, Valid: true},
		SessionID:      uuid.NullUUID{UUID: id.SessionID, Valid: true},
	})
	writeJSON(w, http.StatusCreated, map[string]string{"hash": hash})
}

func (d *ServerDeps) HandleGetAttachment(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.IdentityFrom(r.Context()); !ok {
		WriteProblem(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}
	hash := r.PathValue("hash")
	data, err := d.Blobs.Get(r.Context(), hash)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			WriteProblem(w, http.StatusNotFound, "not found", "no such attachment", nil)
			return
		}
		d.Log.Error("attachment fetch failed", "hash", hash, "err", err)
		WriteProblem(w, http.StatusInternalServerError, "internal error", "fetch failed", nil)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.HandleHealthz)
	mux.HandleFunc("GET /readyz", d.HandleReadyz)

	rateLimit := RateLimitPerMinute(d.Cfg.RateLimitAuthPerMin, d.Now)
	public := func(h http.HandlerFunc) http.Handler {
		var hh http.Handler = h
		hh = BodyLimit(d.Cfg.MaxBodyBytes)(hh)
		hh = RequireJSON(hh)
		hh = rateLimit(hh)
		return hh
	}
	mux.Handle("POST /auth/register", public(d.HandleRegister))
	mux.Handle("POST /auth/login", public(d.HandleLogin))
	mux.Handle("POST /auth/refresh", public(d.HandleRefresh))
	mux.Handle("POST /auth/logout", public(d.HandleLogout))

	authed := func(h http.HandlerFunc, wantJSON bool) http.Handler {
		var hh http.Handler = h
		hh = BearerAuth(d.Tokens)(hh)
		if wantJSON {
			hh = RequireJSON(hh)
		}
		hh = BodyLimit(d.Cfg.MaxBodyBytes)(hh)
		return hh
	}
	mux.Handle("POST /events", authed(d.HandlePostEvent, true))
	mux.Handle("GET /events/stats", authed(d.HandleEventStats, false))
	mux.Handle("GET /aggregates/{id}/events", authed(d.HandleListEvents, false))
	mux.Handle("POST /attachments", authed(d.HandleUploadAttachment, false))
	mux.Handle("GET /attachments/{hash}", authed(d.HandleGetAttachment, false))

	return mux
}
