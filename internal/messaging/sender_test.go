package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medimeet/adherence/pkg/circuitbreaker"
)

func TestFormatEscalation(t *testing.T) {
	got := FormatEscalation("John", []string{"Aspirin", "Metformin"})
	assert.Equal(t,
		"Alert: John has missed 2 medicines today. Missed medicines: Aspirin, Metformin. Please check on them.",
		got)
}

func TestFormatEscalationListsEveryOccurrence(t *testing.T) {
	got := FormatEscalation("Ada", []string{"Aspirin", "Aspirin", "Insulin"})
	assert.Equal(t,
		"Alert: Ada has missed 3 medicines today. Missed medicines: Aspirin, Aspirin, Insulin. Please check on them.",
		got)
}

func TestVonageSenderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "key", r.PostForm.Get("api_key"))
		assert.Equal(t, "secret", r.PostForm.Get("api_secret"))
		assert.Equal(t, "MediMeet", r.PostForm.Get("from"))
		assert.Equal(t, "+15550100", r.PostForm.Get("to"))
		assert.Equal(t, "hello", r.PostForm.Get("text"))
		w.Write([]byte(`{"message-count":"1","messages":[{"status":"0","message-id":"abc"}]}`))
	}))
	defer srv.Close()

	s := NewVonageSender(VonageConfig{APIKey: "key", APISecret: "secret", BaseURL: srv.URL})
	assert.NoError(t, s.Send(context.Background(), "+15550100", "hello"))
}

func TestVonageSenderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message-count":"1","messages":[{"status":"4","error-text":"Bad Credentials"}]}`))
	}))
	defer srv.Close()

	s := NewVonageSender(VonageConfig{BaseURL: srv.URL})
	err := s.Send(context.Background(), "+15550100", "hello")
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.Contains(t, err.Error(), "Bad Credentials")
}

func TestVonageSenderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewVonageSender(VonageConfig{BaseURL: srv.URL, Timeout: time.Second})
	assert.ErrorIs(t, s.Send(context.Background(), "+1", "x"), ErrTransportFailure)
}

func TestGuardedFailsFastWhenOpen(t *testing.T) {
	b, err := circuitbreaker.New(circuitbreaker.Config{Name: "sms", ConsecutiveFailures: 1, OpenTimeout: time.Hour}, nil, nil)
	require.NoError(t, err)

	calls := 0
	down := SenderFunc(func(ctx context.Context, to, text string) error {
		calls++
		return errors.Join(ErrTransportFailure, errors.New("down"))
	})
	g := NewGuarded(down, b)

	assert.ErrorIs(t, g.Send(context.Background(), "+1", "x"), ErrTransportFailure)
	err = g.Send(context.Background(), "+1", "x")
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 1, calls)
}

func TestRateLimitedHonorsContext(t *testing.T) {
	sent := 0
	r := NewRateLimited(SenderFunc(func(ctx context.Context, to, text string) error {
		sent++
		return nil
	}), 0.001, 1)

	require.NoError(t, r.Send(context.Background(), "+1", "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Send(ctx, "+1", "b"), ErrTransportFailure)
	assert.Equal(t, 1, sent)
}
