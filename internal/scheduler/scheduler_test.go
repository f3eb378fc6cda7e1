package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/capacity"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/notify"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/payment"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/processor/processortest"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/store"
)

type recordingNotifier struct {
	mu        sync.Mutex
	promoted  []string
	confirmed []string
	cancelled []string
}

func (n *recordingNotifier) PromotionOffered(_ context.Context, p *model.Participation, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.promoted = append(n.promoted, p.ID)
	return nil
}

func (n *recordingNotifier) PaymentConfirmed(_ context.Context, p *model.Participation, _ model.State) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, p.ID)
	return nil
}

func (n *recordingNotifier) Cancelled(_ context.Context, p *model.Participation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, p.ID)
	return nil
}

var _ notify.Notifier = (*recordingNotifier)(nil)

type fixture struct {
	store    *store.Memory
	proc     *processortest.Fake
	broker   *payment.Broker
	ctrl     *capacity.Controller
	notifier *recordingNotifier
	sched    *Scheduler
	ev       *model.Event
	clock    time.Time
}

func newFixture(t *testing.T, eventCapacity int) *fixture {
	t.Helper()
	st := store.NewMemory()
	ev := &model.Event{
		Name:       "bootcamp",
		Capacity:   eventCapacity,
		PriceCents: 2000,
		Currency:   "usd",
		StartsAt:   time.Now().Add(30 * 24 * time.Hour),
	}
	require.NoError(t, st.CreateEvent(context.Background(), ev))

	proc := processortest.NewFake()
	broker := payment.NewBroker(st, proc)
	notifier := &recordingNotifier{}
	f := &fixture{
		store:    st,
		proc:     proc,
		broker:   broker,
		ctrl:     capacity.NewController(st),
		notifier: notifier,
		ev:       ev,
		clock:    time.Now().UTC(),
	}
	f.sched = New(st, broker, notifier, time.Minute)
	f.sched.now = func() time.Time { return f.clock }
	return f
}

// registerPaid creates a participation and confirms its payment.
func (f *fixture) registerPaid(t *testing.T, userID string) *model.Participation {
	t.Helper()
	ctx := context.Background()
	p, err := f.store.CreateParticipation(ctx, f.ev.ID, userID, model.StatePendingPayment)
	require.NoError(t, err)
	_, err = f.ctrl.ConfirmPayment(ctx, p, f.ev.PriceCents)
	require.NoError(t, err)
	got, err := f.store.GetParticipation(ctx, p.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) waitlist(t *testing.T, userID string) *model.Participation {
	t.Helper()
	p, err := f.store.CreateParticipation(context.Background(), f.ev.ID, userID, model.StateWaitingList)
	require.NoError(t, err)
	return p
}

func TestPromoteNextAfterCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	holder := f.registerPaid(t, "user1")
	waiting := f.waitlist(t, "user2")

	// Holder cancels, releasing the slot.
	require.NoError(t, f.store.Transition(ctx, holder.ID,
		[]model.State{model.StateRegistered}, model.StateCancelled))

	require.NoError(t, f.sched.PromoteNext(ctx, f.ev.ID))

	got, err := f.store.GetParticipation(ctx, waiting.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PromotedAt)
	assert.Equal(t, f.clock, *got.PromotedAt)
	assert.Equal(t, model.StateWaitingList, got.State)
	assert.Equal(t, model.PaymentPending, got.PaymentState)
	assert.NotEmpty(t, got.ChargeIntentID)
	assert.Equal(t, []string{waiting.ID}, f.notifier.promoted)

	// The promoted user pays within the window and is admitted.
	f.proc.MarkSucceeded(got.ChargeIntentID)
	state, err := f.ctrl.ConfirmPayment(ctx, got, f.ev.PriceCents)
	require.NoError(t, err)
	assert.Equal(t, model.StateRegistered, state)
}

func TestPromoteNextNoopWhenFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.registerPaid(t, "user1")
	waiting := f.waitlist(t, "user2")

	require.NoError(t, f.sched.PromoteNext(ctx, f.ev.ID))

	got, err := f.store.GetParticipation(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PromotedAt)
	assert.Empty(t, f.notifier.promoted)
}

func TestPromoteNextDoesNotDoublePromote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	waiting := f.waitlist(t, "user1")

	require.NoError(t, f.sched.PromoteNext(ctx, f.ev.ID))
	// A second, late-running sweep sees the promotion already made.
	require.NoError(t, f.sched.PromoteNext(ctx, f.ev.ID))

	got, err := f.store.GetParticipation(ctx, waiting.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PromotedAt)
	assert.Equal(t, []string{waiting.ID}, f.notifier.promoted)
	assert.Equal(t, 1, f.proc.Creates)
}

func TestExpirePromotionsCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	second := f.waitlist(t, "user2")
	third := f.waitlist(t, "user3")

	// user2 was promoted but never paid.
	require.NoError(t, f.sched.PromoteNext(ctx, f.ev.ID))
	promoted, err := f.store.GetParticipation(ctx, second.ID)
	require.NoError(t, err)
	intentID := promoted.ChargeIntentID
	require.NotEmpty(t, intentID)

	// 25 hours later the sweep runs.
	f.clock = f.clock.Add(25 * time.Hour)
	require.NoError(t, f.sched.ExpirePromotions(ctx))

	got, err := f.store.GetParticipation(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, got.State)
	assert.Equal(t, model.PaymentExpired, got.PaymentState)
	assert.Empty(t, got.ChargeIntentID)
	assert.Contains(t, f.notifier.cancelled, second.ID)

	// The next waitlisted user is promoted in the same pass.
	next, err := f.store.GetParticipation(ctx, third.ID)
	require.NoError(t, err)
	require.NotNil(t, next.PromotedAt)
	assert.NotEmpty(t, next.ChargeIntentID)
	assert.Contains(t, f.notifier.promoted, third.ID)
}

func TestExpirePromotionsSkipsPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	waiting := f.waitlist(t, "user1")

	require.NoError(t, f.sched.PromoteNext(ctx, f.ev.ID))
	promoted, err := f.store.GetParticipation(ctx, waiting.ID)
	require.NoError(t, err)

	// Paid at the last minute; a late sweep must not expire the record.
	f.proc.MarkSucceeded(promoted.ChargeIntentID)
	_, err = f.ctrl.ConfirmPayment(ctx, promoted, f.ev.PriceCents)
	require.NoError(t, err)

	f.clock = f.clock.Add(25 * time.Hour)
	require.NoError(t, f.sched.ExpirePromotions(ctx))

	got, err := f.store.GetParticipation(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRegistered, got.State)
	assert.Equal(t, model.PaymentPaid, got.PaymentState)
	assert.Empty(t, f.notifier.cancelled)
}

func TestSweepIsSafeToRepeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.waitlist(t, "user1")

	f.sched.Sweep(ctx)
	f.sched.Sweep(ctx)

	assert.Len(t, f.notifier.promoted, 1)
	assert.Equal(t, 1, f.proc.Creates)
}
