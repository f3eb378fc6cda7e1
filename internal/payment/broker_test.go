package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/processor"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/processor/processortest"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/store"
)

func newFixture(t *testing.T) (*store.Memory, *processortest.Fake, *Broker, *model.Participation) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	ev := &model.Event{
		Name:       "yoga",
		Capacity:   5,
		PriceCents: 3000,
		Currency:   "usd",
		StartsAt:   time.Now().Add(72 * time.Hour),
	}
	require.NoError(t, st.CreateEvent(ctx, ev))
	p, err := st.CreateParticipation(ctx, ev.ID, "user1", model.StatePendingPayment)
	require.NoError(t, err)

	proc := processortest.NewFake()
	broker := NewBroker(st, proc)
	broker.backoff = time.Millisecond
	return st, proc, broker, p
}

func TestGetOrCreateIntentIdempotent(t *testing.T) {
	ctx := context.Background()
	st, proc, broker, p := newFixture(t)

	first, err := broker.GetOrCreateIntent(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, proc.Creates)

	// An immediate client retry reuses the stored intent; no second creation.
	second, err := broker.GetOrCreateIntent(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ClientSecret, second.ClientSecret)
	assert.Equal(t, 1, proc.Creates)

	got, err := st.GetParticipation(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ChargeIntentID)
	assert.Equal(t, model.PaymentPending, got.PaymentState)
}

func TestGetOrCreateIntentRecreatesAfterCancellation(t *testing.T) {
	ctx := context.Background()
	st, proc, broker, p := newFixture(t)

	first, err := broker.GetOrCreateIntent(ctx, p.ID)
	require.NoError(t, err)

	// The processor cancelled the intent (e.g. it aged out): terminal-failed
	// status falls through to creation.
	require.NoError(t, proc.CancelIntent(ctx, first.ID))

	replacement, err := broker.GetOrCreateIntent(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, replacement.ID)

	got, err := st.GetParticipation(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, got.ChargeIntentID)
}

func TestGetOrCreateIntentRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	_, proc, broker, p := newFixture(t)

	proc.FailCreates = 2
	intent, err := broker.GetOrCreateIntent(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, intent.ID)
}

func TestGetOrCreateIntentRejectsCancelledParticipation(t *testing.T) {
	ctx := context.Background()
	st, _, broker, p := newFixture(t)

	require.NoError(t, st.Transition(ctx, p.ID,
		[]model.State{model.StatePendingPayment}, model.StateCancelled))

	_, err := broker.GetOrCreateIntent(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotPayable)
}

func TestCancelIntentReleases(t *testing.T) {
	ctx := context.Background()
	st, proc, broker, p := newFixture(t)

	intent, err := broker.GetOrCreateIntent(ctx, p.ID)
	require.NoError(t, err)

	cur, err := st.GetParticipation(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, broker.CancelIntent(ctx, cur))

	assert.Equal(t, processor.StatusCanceled, proc.Status(intent.ID))
	got, err := st.GetParticipation(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ChargeIntentID)
	assert.Equal(t, model.PaymentExpired, got.PaymentState)
}

func TestCancelIntentReleasesWhenProcessorUnavailable(t *testing.T) {
	ctx := context.Background()
	st, proc, broker, p := newFixture(t)

	intent, err := broker.GetOrCreateIntent(ctx, p.ID)
	require.NoError(t, err)

	// Processor down for good: the local record is still released so a
	// cancelled participation never keeps a pending intent attached.
	proc.FailCancels = 10
	cur, err := st.GetParticipation(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, broker.CancelIntent(ctx, cur))

	got, err := st.GetParticipation(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ChargeIntentID)
	assert.Equal(t, model.PaymentExpired, got.PaymentState)
	assert.Equal(t, processor.StatusAwaitingPayment, proc.Status(intent.ID))
}

// raceSimulatingStore reports a different charge intent on selected
// GetParticipation calls, standing in for a concurrent writer replacing the
// stored intent between a write and the consistency re-read.
type raceSimulatingStore struct {
	store.Store
	calls   int
	swapped map[int]bool
}

func (s *raceSimulatingStore) GetParticipation(ctx context.Context, id string) (*model.Participation, error) {
	p, err := s.Store.GetParticipation(ctx, id)
	if err != nil {
		return nil, err
	}
	s.calls++
	if s.swapped[s.calls] {
		p.ChargeIntentID = "pi_other_writer"
	}
	return p, nil
}

func newRaceFixture(t *testing.T, swapped map[int]bool) (*raceSimulatingStore, *processortest.Fake, *Broker, *model.Participation) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	ev := &model.Event{
		Name:       "spin class",
		Capacity:   5,
		PriceCents: 3000,
		Currency:   "usd",
		StartsAt:   time.Now().Add(72 * time.Hour),
	}
	require.NoError(t, mem.CreateEvent(ctx, ev))
	p, err := mem.CreateParticipation(ctx, ev.ID, "user1", model.StatePendingPayment)
	require.NoError(t, err)

	st := &raceSimulatingStore{Store: mem, swapped: swapped}
	proc := processortest.NewFake()
	broker := NewBroker(st, proc)
	broker.backoff = time.Millisecond
	return st, proc, broker, p
}

func TestGetOrCreateIntentAbsorbsOneConcurrentSwap(t *testing.T) {
	ctx := context.Background()
	// Call 2 is the post-attach consistency re-read of the first pass; the
	// second pass finds the stored intent intact and reuses it.
	st, proc, broker, p := newRaceFixture(t, map[int]bool{2: true})

	intent, err := broker.GetOrCreateIntent(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, proc.Creates)

	got, err := st.Store.GetParticipation(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.ID, got.ChargeIntentID)
}

func TestGetOrCreateIntentSurfacesPersistentInconsistency(t *testing.T) {
	ctx := context.Background()
	// Calls 2 and 4 are the consistency re-reads of both passes; when each
	// one sees a different intent, the broker gives up rather than hand out
	// an intent the participation no longer owns.
	_, proc, broker, p := newRaceFixture(t, map[int]bool{2: true, 4: true})

	_, err := broker.GetOrCreateIntent(ctx, p.ID)
	assert.ErrorIs(t, err, ErrIntentConsistency)
	assert.Equal(t, 1, proc.Creates)
}

func TestRefundReleasesIntent(t *testing.T) {
	ctx := context.Background()
	st, proc, broker, p := newFixture(t)

	intent, err := broker.GetOrCreateIntent(ctx, p.ID)
	require.NoError(t, err)
	err = st.UnderEventLock(ctx, p.EventID, func(tx store.EventTx) error {
		return tx.RecordPayment(p.ID, 3000)
	})
	require.NoError(t, err)

	cur, err := st.GetParticipation(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, broker.Refund(ctx, cur, 3000))

	assert.Equal(t, int64(3000), proc.Refunded(intent.ID))
	got, err := st.GetParticipation(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ChargeIntentID)
	assert.Equal(t, model.PaymentRefunded, got.PaymentState)
}

// mockProcessor asserts the exact parameters handed to the processor.
type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) CreateIntent(ctx context.Context, p processor.CreateIntentParams) (*processor.Intent, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.Intent), args.Error(1)
}

func (m *mockProcessor) GetIntent(ctx context.Context, id string) (*processor.Intent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.Intent), args.Error(1)
}

func (m *mockProcessor) CancelIntent(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockProcessor) Refund(ctx context.Context, intentID string, amountCents int64) error {
	args := m.Called(ctx, intentID, amountCents)
	return args.Error(0)
}

func TestCreateIntentScopedToEventPrice(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ev := &model.Event{
		Name:       "pilates",
		Capacity:   3,
		PriceCents: 4500,
		Currency:   "eur",
		StartsAt:   time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, st.CreateEvent(ctx, ev))
	p, err := st.CreateParticipation(ctx, ev.ID, "user1", model.StatePendingPayment)
	require.NoError(t, err)

	proc := new(mockProcessor)
	proc.On("CreateIntent", mock.Anything, processor.CreateIntentParams{
		AmountCents:     4500,
		Currency:        "eur",
		ParticipationID: p.ID,
	}).Return(&processor.Intent{
		ID:           "pi_mock",
		ClientSecret: "pi_mock_secret",
		Status:       processor.StatusAwaitingPayment,
	}, nil).Once()

	broker := NewBroker(st, proc)
	broker.backoff = time.Millisecond

	intent, err := broker.GetOrCreateIntent(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_mock", intent.ID)
	proc.AssertExpectations(t)
}
