package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
)

const participationColumns = `id, event_id, user_id, state, payment_state,
	COALESCE(charge_intent_id, ''), promoted_at, amount_paid_cents, created_at`

// Postgres implements Store on a pgx connection pool. All guarded transitions
// are single UPDATE statements whose WHERE clause carries the expected-state
// guard, so a stale caller view surfaces as zero rows affected rather than a
// silent overwrite.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres constructs a Postgres-backed store.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) CreateEvent(ctx context.Context, ev *model.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO events (id, name, capacity, price_cents, currency, refund_policy,
			partial_refund_percent, refund_deadline_hours, starts_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.Name, ev.Capacity, ev.PriceCents, ev.Currency, ev.RefundPolicy,
		ev.PartialRefundPercent, ev.RefundDeadlineHours, ev.StartsAt, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Postgres) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var ev model.Event
	err := s.db.QueryRow(ctx,
		`SELECT id, name, capacity, price_cents, currency, refund_policy,
			partial_refund_percent, refund_deadline_hours, starts_at, created_at
		 FROM events WHERE id = $1`,
		id,
	).Scan(&ev.ID, &ev.Name, &ev.Capacity, &ev.PriceCents, &ev.Currency, &ev.RefundPolicy,
		&ev.PartialRefundPercent, &ev.RefundDeadlineHours, &ev.StartsAt, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &ev, nil
}

func (s *Postgres) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, capacity, price_cents, currency, refund_policy,
			partial_refund_percent, refund_deadline_hours, starts_at, created_at
		 FROM events
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.Capacity, &ev.PriceCents, &ev.Currency,
			&ev.RefundPolicy, &ev.PartialRefundPercent, &ev.RefundDeadlineHours,
			&ev.StartsAt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Postgres) CreateParticipation(ctx context.Context, eventID, userID string, state model.State) (*model.Participation, error) {
	p := &model.Participation{
		ID:           uuid.New().String(),
		EventID:      eventID,
		UserID:       userID,
		State:        state,
		PaymentState: model.PaymentNone,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO participations (id, event_id, user_id, state, payment_state, amount_paid_cents, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.EventID, p.UserID, p.State, p.PaymentState, p.AmountPaidCents, p.CreatedAt,
	)
	if err != nil {
		// The partial unique index on (event_id, user_id) where state is not
		// CANCELLED turns a duplicate registration into a 23505.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateParticipation
		}
		return nil, fmt.Errorf("insert participation: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipation(row rowScanner) (*model.Participation, error) {
	var p model.Participation
	err := row.Scan(&p.ID, &p.EventID, &p.UserID, &p.State, &p.PaymentState,
		&p.ChargeIntentID, &p.PromotedAt, &p.AmountPaidCents, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan participation: %w", err)
	}
	return &p, nil
}

func (s *Postgres) GetParticipation(ctx context.Context, id string) (*model.Participation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE id = $1`, id)
	return scanParticipation(row)
}

func (s *Postgres) GetParticipationByIntent(ctx context.Context, intentID string) (*model.Participation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE charge_intent_id = $1`, intentID)
	return scanParticipation(row)
}

func (s *Postgres) ListParticipations(ctx context.Context, eventID string) ([]model.Participation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+participationColumns+`
		 FROM participations
		 WHERE event_id = $1
		 ORDER BY created_at ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	defer rows.Close()
	return collectParticipations(rows)
}

func collectParticipations(rows pgx.Rows) ([]model.Participation, error) {
	var out []model.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func stateStrings(states []model.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func paymentStrings(states []model.PaymentState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

// guardedUpdate runs an UPDATE carrying a state guard and translates zero
// affected rows into ErrNotFound or ErrInvalidTransition.
func (s *Postgres) guardedUpdate(ctx context.Context, id, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("guarded update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetParticipation(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *Postgres) Transition(ctx context.Context, id string, from []model.State, to model.State) error {
	if err := validateStateChange(from, to); err != nil {
		return err
	}
	return s.guardedUpdate(ctx, id,
		`UPDATE participations SET state = $1 WHERE id = $2 AND state = ANY($3)`,
		to, id, stateStrings(from),
	)
}

func (s *Postgres) TransitionPayment(ctx context.Context, id string, from []model.PaymentState, to model.PaymentState) error {
	if err := validatePaymentChange(from, to); err != nil {
		return err
	}
	return s.guardedUpdate(ctx, id,
		`UPDATE participations SET payment_state = $1 WHERE id = $2 AND payment_state = ANY($3)`,
		to, id, paymentStrings(from),
	)
}

func (s *Postgres) AttachIntent(ctx context.Context, id, intentID string) error {
	return s.guardedUpdate(ctx, id,
		`UPDATE participations
		 SET charge_intent_id = $1, payment_state = $2
		 WHERE id = $3 AND payment_state IN ($4, $2)`,
		intentID, model.PaymentPending, id, model.PaymentNone,
	)
}

func (s *Postgres) ReleaseIntent(ctx context.Context, id string, from []model.PaymentState, to model.PaymentState) error {
	return s.guardedUpdate(ctx, id,
		`UPDATE participations
		 SET charge_intent_id = NULL, payment_state = $1
		 WHERE id = $2 AND payment_state = ANY($3)`,
		to, id, paymentStrings(from),
	)
}

func (s *Postgres) MarkPromoted(ctx context.Context, id string, at time.Time) error {
	return s.guardedUpdate(ctx, id,
		`UPDATE participations
		 SET promoted_at = $1
		 WHERE id = $2 AND promoted_at IS NULL AND state = $3`,
		at, id, model.StateWaitingList,
	)
}

// UnderEventLock serialises every occupancy check-and-claim for the event:
// SELECT … FOR UPDATE on the event row blocks other writers until the
// transaction resolves.
func (s *Postgres) UnderEventLock(ctx context.Context, eventID string, fn func(EventTx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var capacity int
	err = tx.QueryRow(ctx,
		`SELECT capacity FROM events WHERE id = $1 FOR UPDATE`, eventID,
	).Scan(&capacity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock event row: %w", err)
	}

	etx := &pgEventTx{ctx: ctx, tx: tx, eventID: eventID, capacity: capacity}
	if err = fn(etx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgEventTx struct {
	ctx      context.Context
	tx       pgx.Tx
	eventID  string
	capacity int
}

func (t *pgEventTx) Capacity() int { return t.capacity }

func (t *pgEventTx) Occupancy() (int, error) {
	var n int
	err := t.tx.QueryRow(t.ctx,
		`SELECT COUNT(*) FROM participations WHERE event_id = $1 AND state = $2`,
		t.eventID, model.StateRegistered,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count occupancy: %w", err)
	}
	return n, nil
}

func (t *pgEventTx) Participation(id string) (*model.Participation, error) {
	row := t.tx.QueryRow(t.ctx,
		`SELECT `+participationColumns+` FROM participations WHERE id = $1`, id)
	return scanParticipation(row)
}

func (t *pgEventTx) Transition(id string, from []model.State, to model.State) error {
	if err := validateStateChange(from, to); err != nil {
		return err
	}
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE participations SET state = $1 WHERE id = $2 AND state = ANY($3)`,
		to, id, stateStrings(from),
	)
	if err != nil {
		return fmt.Errorf("transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := t.Participation(id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func (t *pgEventTx) RecordPayment(id string, amountCents int64) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE participations
		 SET payment_state = $1, amount_paid_cents = $2
		 WHERE id = $3 AND payment_state IN ($4, $5, $1)`,
		model.PaymentPaid, amountCents, id, model.PaymentPending, model.PaymentNone,
	)
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *Postgres) OldestUnpromoted(ctx context.Context, eventID string) (*model.Participation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+participationColumns+`
		 FROM participations
		 WHERE event_id = $1 AND state = $2 AND payment_state = $3 AND promoted_at IS NULL
		 ORDER BY created_at ASC
		 LIMIT 1`,
		eventID, model.StateWaitingList, model.PaymentNone,
	)
	return scanParticipation(row)
}

func (s *Postgres) ExpiredPromotions(ctx context.Context, cutoff time.Time) ([]model.Participation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+participationColumns+`
		 FROM participations
		 WHERE state = $1 AND promoted_at IS NOT NULL AND promoted_at < $2 AND payment_state <> $3
		 ORDER BY promoted_at ASC`,
		model.StateWaitingList, cutoff, model.PaymentPaid,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired promotions: %w", err)
	}
	defer rows.Close()
	return collectParticipations(rows)
}

func (s *Postgres) EventsWithUnpromoted(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT event_id
		 FROM participations
		 WHERE state = $1 AND payment_state = $2 AND promoted_at IS NULL`,
		model.StateWaitingList, model.PaymentNone,
	)
	if err != nil {
		return nil, fmt.Errorf("list events with waitlist: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) PaidWaitlisted(ctx context.Context, eventID string) ([]model.Participation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+participationColumns+`
		 FROM participations
		 WHERE event_id = $1 AND state = $2 AND payment_state = $3
		 ORDER BY created_at ASC`,
		eventID, model.StateWaitingList, model.PaymentPaid,
	)
	if err != nil {
		return nil, fmt.Errorf("list paid waitlisted: %w", err)
	}
	defer rows.Close()
	return collectParticipations(rows)
}
