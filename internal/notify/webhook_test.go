package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/pkg/httpretry"
	"github.com/ignite/snowball-engine/internal/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_SignsAndRetries(t *testing.T) {
	var calls int32
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "1778400000", r.Header.Get(TimestampHeader))
		assert.Equal(t, Sign([]byte("s3cret"), "1778400000", body), r.Header.Get(SignatureHeader))
		assert.Equal(t, string(TypeCompleted), r.Header.Get("X-Snowball-Event"))
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := httpretry.New(srv.Client(), retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	hook := NewWebhook(srv.URL, "s3cret", client)
	hook.now = func() time.Time { return time.Unix(1778400000, 0) }

	n := Notification{Type: TypeCompleted, EventID: "ev-1", RecipientEmail: "u@x.com", Status: domain.EventCompleted}
	require.NoError(t, hook.Send(context.Background(), n))

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, "ev-1", got.EventID)
	assert.Empty(t, got.RecipientEmail)
}

func TestWebhook_ClientErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, "", srv.Client())
	err := hook.Send(context.Background(), Notification{EventID: "ev-1"})
	assert.ErrorContains(t, err, "400")
}
