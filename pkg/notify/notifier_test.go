package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/pulseboard/pkg/model"
)

type fakeMailer struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
	to       []string
	err      error
}

func (f *fakeMailer) Send(to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.to = append(f.to, to)
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
	return nil
}

func testEvent() Event {
	return Event{
		TenantName: "acme",
		MetricName: "cpu_usage",
		Value:      97.5,
		Threshold:  80,
		Operator:   model.OpGreater,
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		AlertID:    "42",
	}
}

func tenantWith(settings model.TenantSettings) *model.Tenant {
	return &model.Tenant{ID: "t1", Name: "acme", Settings: settings}
}

func TestDispatchWebhookOnly(t *testing.T) {
	var received Event
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mailer := &fakeMailer{}
	d := NewDispatcher(mailer)
	d.Dispatch(context.Background(), tenantWith(model.TenantSettings{WebhookURL: srv.URL}), testEvent())

	assert.Equal(t, 1, calls)
	assert.Equal(t, "cpu_usage", received.MetricName)
	assert.Equal(t, 97.5, received.Value)
	assert.Equal(t, "42", received.AlertID)
	assert.Empty(t, mailer.to, "no email configured, none sent")
}

func TestDispatchEmailOnly(t *testing.T) {
	mailer := &fakeMailer{}
	d := NewDispatcher(mailer)
	d.Dispatch(context.Background(), tenantWith(model.TenantSettings{NotificationEmail: "ops@acme.test"}), testEvent())

	require.Len(t, mailer.to, 1)
	assert.Equal(t, "ops@acme.test", mailer.to[0])
	assert.Equal(t, "[ALERT] cpu_usage is FIRING for acme", mailer.subjects[0])
	assert.Contains(t, mailer.bodies[0], "Current Value: 97.5")
	assert.Contains(t, mailer.bodies[0], "Threshold:     > 80")
}

func TestDispatchBothChannels(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	mailer := &fakeMailer{}
	d := NewDispatcher(mailer)
	d.Dispatch(context.Background(), tenantWith(model.TenantSettings{
		WebhookURL:        srv.URL,
		NotificationEmail: "ops@acme.test",
	}), testEvent())

	assert.Equal(t, 1, calls)
	assert.Len(t, mailer.to, 1)
}

func TestDispatchNoChannelsIsNoOp(t *testing.T) {
	mailer := &fakeMailer{}
	d := NewDispatcher(mailer)
	d.Dispatch(context.Background(), tenantWith(model.TenantSettings{}), testEvent())
	assert.Empty(t, mailer.to)
}

func TestWebhookFailureDoesNotBlockEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mailer := &fakeMailer{}
	d := NewDispatcher(mailer)
	d.Dispatch(context.Background(), tenantWith(model.TenantSettings{
		WebhookURL:        srv.URL,
		NotificationEmail: "ops@acme.test",
	}), testEvent())

	assert.Len(t, mailer.to, 1, "email still goes out when the webhook fails")
}

func TestDispatchWithNilMailerSkipsEmail(t *testing.T) {
	d := NewDispatcher(nil)
	// Must not panic; the failure is logged and swallowed.
	d.Dispatch(context.Background(), tenantWith(model.TenantSettings{NotificationEmail: "ops@acme.test"}), testEvent())
}
