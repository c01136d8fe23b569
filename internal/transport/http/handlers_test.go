package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehq/lattice/internal/audit"
	"github.com/latticehq/lattice/internal/auth"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/eventstore"
	"github.com/latticehq/lattice/internal/storage/object"
)

// --- fakes ---

type fakeEvents struct {
	saveErr   error
	saved     []eventstore.SaveParams
	listOrg   uuid.UUID
	listAgg   string
	events    []eventstore.Event
	totals    eventstore.Totals
	typeCount []eventstore.TypeCount
}

func (f *fakeEvents) Save(_ context.Context, p eventstore.SaveParams) (*eventstore.Event, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	if strings.TrimSpace(p.AggregateID) == "" {
		return nil, eventstore.ErrEmptyAggregateID
	}
	f.saved = append(f.saved, p)
	return &eventstore.Event{
		ID:             uuid.New(),
		AggregateID:    p.AggregateID,
		AggregateType:  p.AggregateType,
		EventType:      p.EventType,
		SequenceNumber: int64(len(f.saved)),
	}, nil
}

func (f *fakeEvents) ListByAggregate(_ context.Context, orgID uuid.UUID, aggregateID string) ([]eventstore.Event, error) {
	f.listOrg, f.listAgg = orgID, aggregateID
	return f.events, nil
}

func (f *fakeEvents) QueryTotals(_ context.Context, _ uuid.UUID, _, _ time.Time) (eventstore.Totals, error) {
	return f.totals, nil
}

func (f *fakeEvents) CountByType(_ context.Context, _ uuid.UUID, _, _ time.Time) ([]eventstore.TypeCount, error) {
	return f.typeCount, nil
}

type fakeAuthSvc struct {
	registerErr error
	loginErr    error
	refreshErr  error
	logoutErr   error
	user        *auth.User
	pair        auth.TokenPair
}

func (f *fakeAuthSvc) Register(_ context.Context, email, password, orgName string) (*auth.User, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return f.user, nil
}

func (f *fakeAuthSvc) Login(_ context.Context, email, password string) (auth.TokenPair, error) {
	return f.pair, f.loginErr
}

func (f *fakeAuthSvc) Refresh(_ context.Context, refreshToken string) (auth.TokenPair, error) {
	return f.pair, f.refreshErr
}

func (f *fakeAuthSvc) Logout(_ context.Context, refreshToken string) error {
	return f.logoutErr
}

type fakeBlobs struct {
	blobs map[string][]byte
}

func (f *fakeBlobs) Put(_ context.Context, data []byte) (string, error) {
	if f.blobs == nil {
		f.blobs = map[string][]byte{}
	}
	hash := "sha256:" + strings.Repeat("ab", 32)
	f.blobs[hash] = data
	return hash, nil
}

func (f *fakeBlobs) Get(_ context.Context, hash string) ([]byte, error) {
	data, ok := f.blobs[hash]
	if !ok {
		return nil, object.ErrNotFound
	}
	return data, nil
}

func (f *fakeBlobs) Exists(_ context.Context, hash string) (bool, error) {
	_, ok := f.blobs[hash]
	return ok, nil
}

type fakeSink struct{ records []audit.Record }

func (f *fakeSink) Enqueue(rec audit.Record) bool {
	f.records = append(f.records, rec)
	return true
}

type fakePinger struct{ err error }

func (f *fakePinger) Ready(context.Context) error { return f.err }

func testDeps(t *testing.T) (*ServerDeps, *fakeEvents, *fakeAuthSvc, *fakeBlobs, *fakeSink, *fakeValidator) {
	t.Helper()
	events := &fakeEvents{}
	authSvc := &fakeAuthSvc{}
	blobs := &fakeBlobs{}
	sink := &fakeSink{}
	tokens := &fakeValidator{claims: okClaims(uuid.New(), uuid.New(), uuid.New())}
	deps := &ServerDeps{
		Cfg: config.Config{
			MaxBodyBytes:        1 << 20,
			RateLimitAuthPerMin: 100,
		},
		Log:    slog.New(slog.DiscardHandler),
		Events: events,
		Auth:   authSvc,
		Tokens: tokens,
		Blobs:  blobs,
		Audit:  sink,
		DB:     &fakePinger{},
		Redis:  &fakePinger{},
		Now:    time.Now,
	}
	return deps, events, authSvc, blobs, sink, tokens
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer test.jwt"}
}

// --- health ---

func TestHealthz(t *testing.T) {
	deps, _, _, _, _, _ := testDeps(t)
	rr := doJSON(t, deps.Router(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestReadyz(t *testing.T) {
	deps, _, _, _, _, _ := testDeps(t)
	router := deps.Router()

	rr := doJSON(t, router, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	deps.DB = &fakePinger{err: errors.New("pg down")}
	rr = doJSON(t, deps.Router(), http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	deps.DB = &fakePinger{}
	deps.Redis = &fakePinger{err: errors.New("redis down")}
	rr = doJSON(t, deps.Router(), http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

// --- auth ---

func TestHandleRegister(t *testing.T) {
	deps, _, authSvc, _, _, _ := testDeps(t)
	userID, orgID := uuid.New(), uuid.New()
	authSvc.user = &auth.User{ID: userID, OrganizationID: orgID, Email: "a@b.co"}
	router := deps.Router()

	rr := doJSON(t, router, http.MethodPost, "/auth/register", map[string]string{
		"email": "a@b.co", "password": "longenough", "organization": "Acme",
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, userID.String(), resp["user_id"])
	assert.Equal(t, orgID.String(), resp["organization_id"])
}

func TestHandleRegisterValidation(t *testing.T) {
	deps, _, _, _, _, _ := testDeps(t)
	router := deps.Router()

	tests := []struct {
		name string
		body map[string]string
	}{
		{"short password", map[string]string{"email": "a@b.co", "password": "short", "organization": "Acme"}},
		{"missing email", map[string]string{"password": "longenough", "organization": "Acme"}},
		{"missing organization", map[string]string{"email": "a@b.co", "password": "longenough"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, router, http.MethodPost, "/auth/register", tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestHandleRegisterEmailTaken(t *testing.T) {
	deps, _, authSvc, _, _, _ := testDeps(t)
	authSvc.registerErr = auth.ErrEmailTaken

	rr := doJSON(t, deps.Router(), http.MethodPost, "/auth/register", map[string]string{
		"email": "a@b.co", "password": "longenough", "organization": "Acme",
	}, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandleLogin(t *testing.T) {
	deps, _, authSvc, _, _, _ := testDeps(t)
	authSvc.pair = auth.TokenPair{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}

	rr := doJSON(t, deps.Router(), http.MethodPost, "/auth/login", map[string]string{
		"email": "a@b.co", "password": "pw",
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pair))
	assert.Equal(t, "at", pair.AccessToken)
	assert.Equal(t, "rt", pair.RefreshToken)
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	deps, _, authSvc, _, _, _ := testDeps(t)
	authSvc.loginErr = auth.ErrInvalidCredentials

	rr := doJSON(t, deps.Router(), http.MethodPost, "/auth/login", map[string]string{
		"email": "a@b.co", "password": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleRefreshRevoked(t *testing.T) {
	deps, _, authSvc, _, _, _ := testDeps(t)
	authSvc.refreshErr = auth.ErrTokenRevoked

	rr := doJSON(t, deps.Router(), http.MethodPost, "/auth/refresh", map[string]string{
		"refresh_token": "stale",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleLogout(t *testing.T) {
	deps, _, _, _, _, _ := testDeps(t)

	rr := doJSON(t, deps.Router(), http.MethodPost, "/auth/logout", map[string]string{
		"refresh_token": "rt",
	}, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

// --- events ---

func TestHandlePostEvent(t *testing.T) {
	deps, events, _, _, _, tokens := testDeps(t)
	router := deps.Router()

	rr := doJSON(t, router, http.MethodPost, "/events", map[string]any{
		"aggregate_id":   "order-42",
		"aggregate_type": "order",
		"event_type":     "order.created",
		"data":           map[string]any{"total": 999},
	}, bearer())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	require.Len(t, events.saved, 1)
	got := events.saved[0]
	assert.Equal(t, "order-42", got.AggregateID)
	assert.Equal(t, "order.created", got.EventType)
	assert.Equal(t, tokens.claims.OrganizationID, got.OrganizationID.UUID.String())
	assert.True(t, got.UserID.Valid)
	assert.True(t, got.SessionID.Valid)
}

func TestHandlePostEventOccurredAt(t *testing.T) {
	deps, events, _, _, _, _ := testDeps(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps.Now = func() time.Time { return now }
	deps.Cfg.ClockSkew = 5 * time.Minute
	router := deps.Router()

	rr := doJSON(t, router, http.MethodPost, "/events", map[string]any{
		"aggregate_id": "order-42", "aggregate_type": "order", "event_type": "order.created",
		"occurred_at": now.Add(-time.Hour).Format(time.RFC3339),
	}, bearer())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, events.saved, 1)
	assert.Equal(t, now.Add(-time.Hour).Format(time.RFC3339), events.saved[0].Metadata["occurred_at"])

	rr = doJSON(t, router, http.MethodPost, "/events", map[string]any{
		"aggregate_id": "order-42", "aggregate_type": "order", "event_type": "order.created",
		"occurred_at": now.Add(time.Hour).Format(time.RFC3339),
	}, bearer())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlePostEventRequiresAuth(t *testing.T) {
	deps, events, _, _, _, _ := testDeps(t)

	rr := doJSON(t, deps.Router(), http.MethodPost, "/events", map[string]any{
		"aggregate_id": "order-42", "aggregate_type": "order", "event_type": "order.created",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, events.saved)
}

func TestHandlePostEventValidation(t *testing.T) {
	deps, events, _, _, _, _ := testDeps(t)

	rr := doJSON(t, deps.Router(), http.MethodPost, "/events", map[string]any{
		"aggregate_id": "", "aggregate_type": "", "event_type": "",
	}, bearer())
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, events.saved)

	var prob Problem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &prob))
	assert.Contains(t, prob.Errors, "aggregate_id")
	assert.Contains(t, prob.Errors, "event_type")
}

func TestHandlePostEventSequenceConflict(t *testing.T) {
	deps, events, _, _, _, _ := testDeps(t)
	events.saveErr = &pgconn.PgError{Code: "23505", ConstraintName: "event_aggregate_sequence_key"}

	rr := doJSON(t, deps.Router(), http.MethodPost, "/events", map[string]any{
		"aggregate_id": "order-42", "aggregate_type": "order", "event_type": "order.created",
	}, bearer())
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandleListEvents(t *testing.T) {
	deps, events, _, _, _, tokens := testDeps(t)
	events.events = []eventstore.Event{
		{AggregateID: "order-42", SequenceNumber: 1, EventType: "order.created"},
		{AggregateID: "order-42", SequenceNumber: 2, EventType: "order.paid"},
	}

	rr := doJSON(t, deps.Router(), http.MethodGet, "/aggregates/order-42/events", nil, bearer())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "order-42", events.listAgg)
	assert.Equal(t, tokens.claims.OrganizationID, events.listOrg.String())

	var resp struct {
		Events []eventstore.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, int64(1), resp.Events[0].SequenceNumber)
}

func TestHandleEventStats(t *testing.T) {
	deps, events, _, _, _, _ := testDeps(t)
	events.totals = eventstore.Totals{Count: 10, UniqueAggregates: 3}
	events.typeCount = []eventstore.TypeCount{{EventType: "order.created", Count: 7}}

	rr := doJSON(t, deps.Router(), http.MethodGet, "/events/stats", nil, bearer())
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Totals eventstore.Totals      `json:"totals"`
		ByType []eventstore.TypeCount `json:"by_type"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(10), resp.Totals.Count)
	require.Len(t, resp.ByType, 1)
	assert.Equal(t, "order.created", resp.ByType[0].EventType)
}

func TestHandleEventStatsBadWindow(t *testing.T) {
	deps, _, _, _, _, _ := testDeps(t)

	rr := doJSON(t, deps.Router(), http.MethodGet, "/events/stats?from=yesterday", nil, bearer())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// --- attachments ---

func TestAttachmentRoundTrip(t *testing.T) {
	deps, _, _, _, sink, _ := testDeps(t)
	router := deps.Router()

	payload := []byte("pdf bytes")
	req := httptest.NewRequest(http.MethodPost, "/attachments", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer test.jwt")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	hash := resp["hash"]
	require.NotEmpty(t, hash)

	require.Len(t, sink.records, 1)
	assert.Equal(t, audit.ActionAttachmentUploaded, sink.records[0].Action)
	assert.Equal(t, hash, sink.records[0].Subject)

	rr = doJSON(t, router, http.MethodGet, "/attachments/"+hash, nil, bearer())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, payload, rr.Body.Bytes())
}

func TestAttachmentEmptyBody(t *testing.T) {
	deps, _, _, _, _, _ := testDeps(t)

	req := httptest.NewRequest(http.MethodPost, "/attachments", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer test.jwt")
	rr := httptest.NewRecorder()
	deps.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAttachmentNotFound(t *testing.T) {
	deps, _, _, _, _, _ := testDeps(t)

	rr := doJSON(t, deps.Router(), http.MethodGet, "/attachments/sha256:"+strings.Repeat("00", 32), nil, bearer())
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
