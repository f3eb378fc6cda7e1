package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/capacity"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/notify"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/payment"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/processor/processortest"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/scheduler"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/service"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/store"
)

type apiFixture struct {
	router *chi.Mux
	store  *store.Memory
	proc   *processortest.Fake
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := store.NewMemory()
	proc := processortest.NewFake()
	broker := payment.NewBroker(st, proc)
	ctrl := capacity.NewController(st)
	notifier := notify.Log{}
	sched := scheduler.New(st, broker, notifier, time.Minute)
	svc := service.NewParticipationService(st, broker, ctrl, proc, notifier, sched)
	h := NewParticipationHandler(svc)

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.CreateEvent)
		r.Get("/", h.ListEvents)
		r.Get("/{id}", h.GetEvent)
		r.Post("/{id}/register", h.Register)
		r.Get("/{id}/participations", h.ListParticipations)
	})
	r.Route("/participations", func(r chi.Router) {
		r.Get("/{id}", h.GetParticipation)
		r.Get("/{id}/payment-intent", h.PaymentIntent)
		r.Post("/{id}/confirm", h.ConfirmPayment)
		r.Delete("/{id}", h.Cancel)
		r.Put("/{id}/payment-state", h.SetPaymentState)
	})
	return &apiFixture{router: r, store: st, proc: proc}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func (f *apiFixture) createEvent(t *testing.T, capacity int, priceCents int64) model.Event {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/events", model.CreateEventRequest{
		Name:                "strongman workshop",
		Capacity:            capacity,
		PriceCents:          priceCents,
		Currency:            "usd",
		RefundPolicy:        model.RefundPolicyFull,
		RefundDeadlineHours: 48,
		StartsAt:            time.Now().Add(72 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeBody[model.Event](t, rec)
}

func TestHealthCheck(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateEventRejectsBadPayload(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/events", model.CreateEventRequest{Name: "no capacity"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(`{"bogus_field":1}`))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEventNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/events/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterConfirmFlow(t *testing.T) {
	f := newAPIFixture(t)
	ev := f.createEvent(t, 5, 4500)

	rec := f.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{UserID: "user1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	reg := decodeBody[model.RegisterResponse](t, rec)
	assert.Equal(t, model.StatePendingPayment, reg.State)
	assert.True(t, reg.RequiresPayment)
	assert.NotEmpty(t, reg.ClientSecret)

	// Confirming before the processor collected anything is rejected.
	p, err := f.store.GetParticipation(context.Background(), reg.ParticipationID)
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/participations/"+reg.ParticipationID+"/confirm",
		model.ConfirmPaymentRequest{IntentID: p.ChargeIntentID})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	f.proc.MarkSucceeded(p.ChargeIntentID)
	rec = f.do(t, http.MethodPost, "/participations/"+reg.ParticipationID+"/confirm",
		model.ConfirmPaymentRequest{IntentID: p.ChargeIntentID})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]model.State](t, rec)
	assert.Equal(t, model.StateRegistered, body["state"])
}

func TestRegisterDuplicateConflict(t *testing.T) {
	f := newAPIFixture(t)
	ev := f.createEvent(t, 5, 4500)

	rec := f.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{UserID: "user1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{UserID: "user1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfirmForeignIntentConflict(t *testing.T) {
	f := newAPIFixture(t)
	ev := f.createEvent(t, 5, 4500)

	rec := f.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{UserID: "user1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	reg := decodeBody[model.RegisterResponse](t, rec)

	rec = f.do(t, http.MethodPost, "/participations/"+reg.ParticipationID+"/confirm",
		model.ConfirmPaymentRequest{IntentID: "pi_bogus"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPaymentIntentEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ev := f.createEvent(t, 5, 4500)

	rec := f.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{UserID: "user1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	reg := decodeBody[model.RegisterResponse](t, rec)

	rec = f.do(t, http.MethodGet, "/participations/"+reg.ParticipationID+"/payment-intent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	intent := decodeBody[model.PaymentIntentResponse](t, rec)
	assert.NotEmpty(t, intent.IntentID)
	assert.NotEmpty(t, intent.ClientSecret)
	assert.Nil(t, intent.Deadline)
}

func TestCancelReturnsRefundOutcome(t *testing.T) {
	f := newAPIFixture(t)
	ev := f.createEvent(t, 5, 4500)

	rec := f.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{UserID: "user1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	reg := decodeBody[model.RegisterResponse](t, rec)

	p, err := f.store.GetParticipation(context.Background(), reg.ParticipationID)
	require.NoError(t, err)
	f.proc.MarkSucceeded(p.ChargeIntentID)
	rec = f.do(t, http.MethodPost, "/participations/"+reg.ParticipationID+"/confirm",
		model.ConfirmPaymentRequest{IntentID: p.ChargeIntentID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/participations/"+reg.ParticipationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]map[string]any](t, rec)
	assert.Equal(t, "full", body["refund"]["type"])
	assert.Equal(t, float64(4500), body["refund"]["amount_cents"])

	rec = f.do(t, http.MethodDelete, "/participations/"+reg.ParticipationID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetPaymentStateEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ev := f.createEvent(t, 5, 4500)

	rec := f.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{UserID: "user1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	reg := decodeBody[model.RegisterResponse](t, rec)

	rec = f.do(t, http.MethodPut, "/participations/"+reg.ParticipationID+"/payment-state",
		model.SetPaymentStateRequest{PaymentState: model.PaymentPaid})
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodeBody[model.Participation](t, rec)
	assert.Equal(t, model.PaymentPaid, p.PaymentState)
	assert.Equal(t, model.StateRegistered, p.State)
}

func TestListParticipations(t *testing.T) {
	f := newAPIFixture(t)
	ev := f.createEvent(t, 5, 4500)

	for i := 1; i <= 3; i++ {
		rec := f.do(t, http.MethodPost, "/events/"+ev.ID+"/register",
			model.RegisterRequest{UserID: fmt.Sprintf("user%d", i)})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/events/"+ev.ID+"/participations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ps := decodeBody[[]model.Participation](t, rec)
	assert.Len(t, ps, 3)
}
