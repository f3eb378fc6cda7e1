package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
)

// Memory is an in-memory Store used by unit tests. A single mutex gives the
// same single-writer guarantee the Postgres backend gets from row locks;
// UnderEventLock holds it for the whole callback, so fn must only touch the
// store through the EventTx it receives.
type Memory struct {
	mu             sync.Mutex
	events         map[string]*model.Event
	participations map[string]*model.Participation
	seq            map[string]int
	nextSeq        int
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:         make(map[string]*model.Event),
		participations: make(map[string]*model.Participation),
		seq:            make(map[string]int),
	}
}

func (s *Memory) CreateEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *Memory) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *Memory) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) CreateParticipation(_ context.Context, eventID, userID string, state model.State) (*model.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		return nil, ErrNotFound
	}
	for _, p := range s.participations {
		if p.EventID == eventID && p.UserID == userID && p.State != model.StateCancelled {
			return nil, ErrDuplicateParticipation
		}
	}
	p := &model.Participation{
		ID:           uuid.New().String(),
		EventID:      eventID,
		UserID:       userID,
		State:        state,
		PaymentState: model.PaymentNone,
		CreatedAt:    time.Now().UTC(),
	}
	s.participations[p.ID] = p
	s.seq[p.ID] = s.nextSeq
	s.nextSeq++
	cp := *p
	return &cp, nil
}

func (s *Memory) GetParticipation(_ context.Context, id string) (*model.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Memory) getLocked(id string) (*model.Participation, error) {
	p, ok := s.participations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Memory) GetParticipationByIntent(_ context.Context, intentID string) (*model.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participations {
		if p.ChargeIntentID == intentID && intentID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// byAge orders participations oldest-first, falling back to insertion order
// when timestamps collide (common in tests).
func (s *Memory) byAge(ps []*model.Participation) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return s.seq[ps[i].ID] < s.seq[ps[j].ID]
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

func (s *Memory) ListParticipations(_ context.Context, eventID string) ([]model.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ps []*model.Participation
	for _, p := range s.participations {
		if p.EventID == eventID {
			ps = append(ps, p)
		}
	}
	s.byAge(ps)
	out := make([]model.Participation, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out, nil
}

func (s *Memory) Transition(_ context.Context, id string, from []model.State, to model.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, to)
}

func (s *Memory) transitionLocked(id string, from []model.State, to model.State) error {
	if err := validateStateChange(from, to); err != nil {
		return err
	}
	p, ok := s.participations[id]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if p.State == f {
			p.State = to
			return nil
		}
	}
	return ErrInvalidTransition
}

func (s *Memory) TransitionPayment(_ context.Context, id string, from []model.PaymentState, to model.PaymentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validatePaymentChange(from, to); err != nil {
		return err
	}
	p, ok := s.participations[id]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if p.PaymentState == f {
			p.PaymentState = to
			return nil
		}
	}
	return ErrInvalidTransition
}

func (s *Memory) AttachIntent(_ context.Context, id, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participations[id]
	if !ok {
		return ErrNotFound
	}
	if p.PaymentState != model.PaymentNone && p.PaymentState != model.PaymentPending {
		return ErrInvalidTransition
	}
	p.ChargeIntentID = intentID
	p.PaymentState = model.PaymentPending
	return nil
}

func (s *Memory) ReleaseIntent(_ context.Context, id string, from []model.PaymentState, to model.PaymentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participations[id]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if p.PaymentState == f {
			p.ChargeIntentID = ""
			p.PaymentState = to
			return nil
		}
	}
	return ErrInvalidTransition
}

func (s *Memory) MarkPromoted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participations[id]
	if !ok {
		return ErrNotFound
	}
	if p.PromotedAt != nil || p.State != model.StateWaitingList {
		return ErrInvalidTransition
	}
	t := at
	p.PromotedAt = &t
	return nil
}

func (s *Memory) UnderEventLock(_ context.Context, eventID string, fn func(EventTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	return fn(&memEventTx{store: s, eventID: eventID, capacity: ev.Capacity})
}

type memEventTx struct {
	store    *Memory
	eventID  string
	capacity int
}

func (t *memEventTx) Capacity() int { return t.capacity }

func (t *memEventTx) Occupancy() (int, error) {
	n := 0
	for _, p := range t.store.participations {
		if p.EventID == t.eventID && p.State == model.StateRegistered {
			n++
		}
	}
	return n, nil
}

func (t *memEventTx) Participation(id string) (*model.Participation, error) {
	return t.store.getLocked(id)
}

func (t *memEventTx) Transition(id string, from []model.State, to model.State) error {
	return t.store.transitionLocked(id, from, to)
}

func (t *memEventTx) RecordPayment(id string, amountCents int64) error {
	p, ok := t.store.participations[id]
	if !ok {
		return ErrNotFound
	}
	switch p.PaymentState {
	case model.PaymentNone, model.PaymentPending, model.PaymentPaid:
		p.PaymentState = model.PaymentPaid
		p.AmountPaidCents = amountCents
		return nil
	}
	return ErrInvalidTransition
}

func (s *Memory) OldestUnpromoted(_ context.Context, eventID string) (*model.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*model.Participation
	for _, p := range s.participations {
		if p.EventID == eventID && p.State == model.StateWaitingList &&
			p.PaymentState == model.PaymentNone && p.PromotedAt == nil {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	s.byAge(candidates)
	cp := *candidates[0]
	return &cp, nil
}

func (s *Memory) ExpiredPromotions(_ context.Context, cutoff time.Time) ([]model.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*model.Participation
	for _, p := range s.participations {
		if p.State == model.StateWaitingList && p.PromotedAt != nil &&
			p.PromotedAt.Before(cutoff) && p.PaymentState != model.PaymentPaid {
			candidates = append(candidates, p)
		}
	}
	s.byAge(candidates)
	out := make([]model.Participation, len(candidates))
	for i, p := range candidates {
		out[i] = *p
	}
	return out, nil
}

func (s *Memory) EventsWithUnpromoted(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, p := range s.participations {
		if p.State == model.StateWaitingList && p.PaymentState == model.PaymentNone &&
			p.PromotedAt == nil && !seen[p.EventID] {
			seen[p.EventID] = true
			ids = append(ids, p.EventID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Memory) PaidWaitlisted(_ context.Context, eventID string) ([]model.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*model.Participation
	for _, p := range s.participations {
		if p.EventID == eventID && p.State == model.StateWaitingList && p.PaymentState == model.PaymentPaid {
			candidates = append(candidates, p)
		}
	}
	s.byAge(candidates)
	out := make([]model.Participation, len(candidates))
	for i, p := range candidates {
		out[i] = *p
	}
	return out, nil
}
