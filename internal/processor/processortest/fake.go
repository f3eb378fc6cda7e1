// Package processortest provides an in-memory Processor double for tests.
package processortest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/processor"
)

// ErrTransient simulates a network-level processor failure.
var ErrTransient = errors.New("processor temporarily unavailable")

// Fake is a stateful in-memory payment processor. It honors the
// participation-keyed idempotency contract: while a live intent exists for a
// key, creation returns that intent instead of issuing a second one.
type Fake struct {
	mu      sync.Mutex
	intents map[string]*processor.Intent
	byKey   map[string]string
	refunds map[string]int64
	seq     int

	// FailCreates makes the next n CreateIntent calls fail transiently.
	FailCreates int
	// FailGets makes the next n GetIntent calls fail transiently.
	FailGets int
	// FailCancels makes the next n CancelIntent calls fail transiently.
	FailCancels int

	// Creates counts CreateIntent calls that reached the fake.
	Creates int
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{
		intents: make(map[string]*processor.Intent),
		byKey:   make(map[string]string),
		refunds: make(map[string]int64),
	}
}

func (f *Fake) CreateIntent(_ context.Context, p processor.CreateIntentParams) (*processor.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Creates++
	if f.FailCreates > 0 {
		f.FailCreates--
		return nil, ErrTransient
	}
	if id, ok := f.byKey[p.ParticipationID]; ok {
		if in := f.intents[id]; in.Status.Live() {
			cp := *in
			return &cp, nil
		}
	}
	f.seq++
	in := &processor.Intent{
		ID:           fmt.Sprintf("pi_%03d", f.seq),
		ClientSecret: fmt.Sprintf("pi_%03d_secret", f.seq),
		Status:       processor.StatusAwaitingPayment,
		AmountCents:  p.AmountCents,
		Currency:     p.Currency,
	}
	f.intents[in.ID] = in
	f.byKey[p.ParticipationID] = in.ID
	cp := *in
	return &cp, nil
}

func (f *Fake) GetIntent(_ context.Context, id string) (*processor.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailGets > 0 {
		f.FailGets--
		return nil, ErrTransient
	}
	in, ok := f.intents[id]
	if !ok {
		return nil, fmt.Errorf("no such intent %s", id)
	}
	cp := *in
	return &cp, nil
}

func (f *Fake) CancelIntent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCancels > 0 {
		f.FailCancels--
		return ErrTransient
	}
	in, ok := f.intents[id]
	if !ok {
		return fmt.Errorf("no such intent %s", id)
	}
	in.Status = processor.StatusCanceled
	return nil
}

func (f *Fake) Refund(_ context.Context, intentID string, amountCents int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.intents[intentID]; !ok {
		return fmt.Errorf("no such intent %s", intentID)
	}
	f.refunds[intentID] += amountCents
	return nil
}

// MarkSucceeded simulates the user completing payment out-of-band.
func (f *Fake) MarkSucceeded(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[id]; ok {
		in.Status = processor.StatusSucceeded
	}
}

// Refunded reports the total amount refunded against an intent.
func (f *Fake) Refunded(intentID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds[intentID]
}

// Status reports an intent's current status.
func (f *Fake) Status(id string) processor.IntentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[id]; ok {
		return in.Status
	}
	return ""
}
