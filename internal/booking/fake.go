package booking

import (
	"context"
	"sync"
	"time"
)

// FakeCalendar is an in-memory Calendar with honest idempotency: a
// repeated key returns the original appointment.
type FakeCalendar struct {
	Slots    []Slot
	BookErr  error
	Conflict bool

	mu     sync.Mutex
	booked map[string]Appointment
	nextID int
}

var _ Calendar = (*FakeCalendar)(nil)

func (f *FakeCalendar) Availability(ctx context.Context, day time.Time) ([]Slot, error) {
	return f.Slots, nil
}

func (f *FakeCalendar) Book(ctx context.Context, slot Slot, name, topic, idempotencyKey string) (Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.booked == nil {
		f.booked = make(map[string]Appointment)
	}
	if appt, ok := f.booked[idempotencyKey]; ok {
		return appt, nil
	}
	if f.BookErr != nil {
		return Appointment{}, f.BookErr
	}
	if f.Conflict {
		return Appointment{}, ErrSlotConflict
	}
	f.nextID++
	appt := Appointment{
		ID:    "appt-" + time.Now().Format("150405") + "-" + string(rune('a'+f.nextID%26)),
		Slot:  slot,
		Name:  name,
		Topic: topic,
	}
	f.booked[idempotencyKey] = appt
	return appt, nil
}

// Booked returns appointments keyed by idempotency key.
func (f *FakeCalendar) Booked() map[string]Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Appointment, len(f.booked))
	for k, v := range f.booked {
		out[k] = v
	}
	return out
}

// FakeLeads records submitted leads.
type FakeLeads struct {
	Err error

	mu    sync.Mutex
	leads map[string]Lead
}

var _ Leads = (*FakeLeads)(nil)

func (f *FakeLeads) Submit(ctx context.Context, lead Lead, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leads == nil {
		f.leads = make(map[string]Lead)
	}
	if _, ok := f.leads[idempotencyKey]; ok {
		return nil
	}
	if f.Err != nil {
		return f.Err
	}
	f.leads[idempotencyKey] = lead
	return nil
}

// Submitted returns leads keyed by idempotency key.
func (f *FakeLeads) Submitted() map[string]Lead {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Lead, len(f.leads))
	for k, v := range f.leads {
		out[k] = v
	}
	return out
}
