// Package booking wraps the calendar and lead-capture services used by
// the appointment flow. Mutating calls carry an idempotency key so a
// retried turn never books twice.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/festnoze/voice-gateway/internal/config"
)

// ErrSlotConflict reports that the requested slot was taken between the
// availability check and the booking call.
var ErrSlotConflict = fmt.Errorf("booking: slot no longer available")

// Slot is one bookable time window.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Appointment is a confirmed booking.
type Appointment struct {
	ID    string `json:"id"`
	Slot  Slot   `json:"slot"`
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

// Lead is the contact record posted after a booking.
type Lead struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Topic string `json:"topic"`
}

// Calendar checks availability and creates appointments.
type Calendar interface {
	Availability(ctx context.Context, day time.Time) ([]Slot, error)
	Book(ctx context.Context, slot Slot, name, topic, idempotencyKey string) (Appointment, error)
}

// Leads posts contact records.
type Leads interface {
	Submit(ctx context.Context, lead Lead, idempotencyKey string) error
}

// IdempotencyKey derives the key for one mutating step of a call.
func IdempotencyKey(callID, step string) string {
	return callID + ":" + step
}

// HTTPCalendar is the production Calendar over the calendar service.
type HTTPCalendar struct {
	HTTPClient *http.Client
	BaseURL    string
}

var _ Calendar = (*HTTPCalendar)(nil)

// HTTPLeads is the production Leads client.
type HTTPLeads struct {
	HTTPClient *http.Client
	BaseURL    string
}

var _ Leads = (*HTTPLeads)(nil)

// NewCalendar builds the calendar client; nil when unconfigured.
func NewCalendar(cfg config.Config) *HTTPCalendar {
	if cfg.CalendarBaseURL == "" {
		return nil
	}
	return &HTTPCalendar{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    strings.TrimRight(cfg.CalendarBaseURL, "/"),
	}
}

// NewLeads builds the leads client; nil when unconfigured.
func NewLeads(cfg config.Config) *HTTPLeads {
	if cfg.LeadsBaseURL == "" {
		return nil
	}
	return &HTTPLeads{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    strings.TrimRight(cfg.LeadsBaseURL, "/"),
	}
}

// Availability lists open slots for one day.
func (c *HTTPCalendar) Availability(ctx context.Context, day time.Time) ([]Slot, error) {
	u := fmt.Sprintf("%s/availability?date=%s", c.BaseURL, day.Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("booking: availability: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("booking: availability: status=%d body=%s", resp.StatusCode, string(b))
	}
	var out struct {
		Slots []Slot `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("booking: decode availability: %w", err)
	}
	return out.Slots, nil
}

// Book creates an appointment. A 409 from the service maps to
// ErrSlotConflict.
func (c *HTTPCalendar) Book(ctx context.Context, slot Slot, name, topic, idempotencyKey string) (Appointment, error) {
	payload, _ := json.Marshal(map[string]any{
		"slot":  slot,
		"name":  name,
		"topic": topic,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/appointments", bytes.NewReader(payload))
	if err != nil {
		return Appointment{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Appointment{}, fmt.Errorf("booking: book: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return Appointment{}, ErrSlotConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Appointment{}, fmt.Errorf("booking: book: status=%d body=%s", resp.StatusCode, string(b))
	}
	var appt Appointment
	if err := json.NewDecoder(resp.Body).Decode(&appt); err != nil {
		return Appointment{}, fmt.Errorf("booking: decode appointment: %w", err)
	}
	return appt, nil
}

// Submit posts one lead.
func (l *HTTPLeads) Submit(ctx context.Context, lead Lead, idempotencyKey string) error {
	payload, _ := json.Marshal(lead)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL+"/leads", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("booking: submit lead: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("booking: submit lead: status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}
