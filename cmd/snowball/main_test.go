package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/snowball-engine/internal/app"
	"github.com/ignite/snowball-engine/internal/config"
	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/service/snowball"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SNOWBALL_QUEUE_POLL_WAIT", "20ms")

	cfg, err := config.LoadFromEnv("")
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "friends.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSubmitAndProcess(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, run(ctx, a, []string{"repo", "create", "-owner", "o1", "r1", "Gophers"}, &out))

	out.Reset()
	path := writeCSV(t, "email\nann@x.com\nbob@x.com\n")
	require.NoError(t, run(ctx, a, []string{"submit", "-process", "r1", "u1", path}, &out))

	var view snowball.EventView
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, domain.EventCompleted, view.Status)
	assert.Equal(t, 2, view.Stats.Added)

	out.Reset()
	require.NoError(t, run(ctx, a, []string{"status", view.EventID}, &out))
	assert.Contains(t, out.String(), `"status": "completed"`)

	out.Reset()
	require.NoError(t, run(ctx, a, []string{"growth", "r1", "7"}, &out))
	assert.Contains(t, out.String(), "viral")
}

func TestSubmitWithoutProcessPrintsReceipt(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, run(ctx, a, []string{"repo", "create", "r1", "Gophers"}, &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, run(ctx, a, []string{"submit", "r1", "u1", writeCSV(t, "email\nann@x.com\n")}, &out))

	var receipt snowball.Receipt
	require.NoError(t, json.Unmarshal(out.Bytes(), &receipt))
	assert.Equal(t, domain.EventPending, receipt.Status)
	assert.Equal(t, 1, receipt.Candidates)

	out.Reset()
	require.NoError(t, run(ctx, a, []string{"queue-stats"}, &out))
	assert.Contains(t, out.String(), `"ready": 1`)
}

func TestRunUsageErrors(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	for _, args := range [][]string{
		nil,
		{"bogus"},
		{"repo"},
		{"status"},
		{"growth", "r1", "-3"},
		{"submit", "r1"},
		{"dead-letters", "many"},
		{"admin"},
		{"admin", "ban", "u1"},
		{"admin", "block-user"},
		{"admin", "block-user", "-for", "-1h", "u1"},
		{"admin", "unblock-user"},
		{"admin", "block-domain"},
	} {
		err := run(ctx, a, args, &bytes.Buffer{})
		assert.ErrorIs(t, err, errUsage, "args %v", args)
	}
}

func TestAdminBlocks(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, run(ctx, a, []string{"repo", "create", "r1", "Gophers"}, &bytes.Buffer{}))
	path := writeCSV(t, "email\nann@x.com\nbob@spam.example\n")

	var out bytes.Buffer
	require.NoError(t, run(ctx, a, []string{"admin", "block-user", "-for", "1h", "u1"}, &out))
	assert.Contains(t, out.String(), `"for": "1h0m0s"`)
	assert.Error(t, run(ctx, a, []string{"submit", "r1", "u1", path}, &bytes.Buffer{}))

	require.NoError(t, run(ctx, a, []string{"admin", "unblock-user", "u1"}, &bytes.Buffer{}))
	require.NoError(t, run(ctx, a, []string{"admin", "block-domain", "spam.example"}, &bytes.Buffer{}))

	out.Reset()
	require.NoError(t, run(ctx, a, []string{"submit", "-process", "r1", "u1", path}, &out))
	var view snowball.EventView
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, 1, view.Stats.Added)
	assert.Equal(t, 1, view.Stats.Rejected)
}

func TestStatusUnknownEvent(t *testing.T) {
	a := newTestApp(t)
	err := run(context.Background(), a, []string{"status", "missing"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, snowball.ErrEventNotFound)
}
