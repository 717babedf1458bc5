package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInbox(t *testing.T) (*Inbox, *MemoryStore, *time.Time) {
	t.Helper()
	store := NewMemoryStore()
	in := NewInbox(store, DefaultConfig(), nil)
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return now }
	return in, store, &now
}

func created(body string) ProcessFunc {
	return func(context.Context) (Response, error) {
		return Response{StatusCode: http.StatusCreated, Body: []byte(body)}, nil
	}
}

func TestProcessReplaysFinished(t *testing.T) {
	in, _, _ := newTestInbox(t)
	ctx := context.Background()
	calls := 0
	fn := func(ctx context.Context) (Response, error) {
		calls++
		return created(`{"n":1}`)(ctx)
	}

	first, err := in.Process(ctx, "k1", "addTreatment", []byte(`{"tooth":3}`), fn)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := in.Process(ctx, "k1", "addTreatment", []byte(`{"tooth":3}`), fn)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, 1, calls)
}

func TestProcessKeyReused(t *testing.T) {
	in, _, _ := newTestInbox(t)
	ctx := context.Background()

	_, err := in.Process(ctx, "k1", "addTreatment", []byte(`{"tooth":3}`), created(`{}`))
	require.NoError(t, err)

	_, err = in.Process(ctx, "k1", "addTreatment", []byte(`{"tooth":4}`), created(`{}`))
	assert.ErrorIs(t, err, ErrKeyReused)
}

func TestProcessInProgressAndRecovery(t *testing.T) {
	in, store, now := newTestInbox(t)
	ctx := context.Background()

	ok, err := store.Start(ctx, Entry{Key: "k1", UpdatedAt: *now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = in.Process(ctx, "k1", "addNote", nil, created(`{}`))
	assert.ErrorIs(t, err, ErrInProgress)

	*now = now.Add(2 * time.Minute)
	res, err := in.Process(ctx, "k1", "addNote", nil, created(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Response.StatusCode)
}

func TestProcessServerErrorsAreRetryable(t *testing.T) {
	in, _, _ := newTestInbox(t)
	ctx := context.Background()

	res, err := in.Process(ctx, "k1", "save", nil, func(context.Context) (Response, error) {
		return Response{StatusCode: http.StatusServiceUnavailable}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.StatusCode)

	boom := errors.New("boom")
	_, err = in.Process(ctx, "k1", "save", nil, func(context.Context) (Response, error) {
		return Response{}, boom
	})
	assert.ErrorIs(t, err, boom)

	res, err = in.Process(ctx, "k1", "save", nil, created(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestExpiredEntriesAreForgotten(t *testing.T) {
	in, store, now := newTestInbox(t)
	ctx := context.Background()

	_, err := in.Process(ctx, "k1", "addNote", []byte("a"), created(`{}`))
	require.NoError(t, err)

	*now = now.Add(25 * time.Hour)
	res, err := in.Process(ctx, "k1", "addNote", []byte("b"), created(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	n, err := store.Cleanup(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("dr1", "p1", "POST /treatments", "client-key")
	assert.Len(t, a, 64)
	assert.Equal(t, a, GenerateKey("dr1", "p1", "POST /treatments", "client-key"))
	assert.NotEqual(t, a, GenerateKey("dr2", "p1", "POST /treatments", "client-key"))
	assert.NotEqual(t, a, GenerateKey("dr1", "p2", "POST /treatments", "client-key"))
}
