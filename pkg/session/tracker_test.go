package session_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimads/adsentinel/pkg/session"
	"github.com/zimads/adsentinel/pkg/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSQLStore(t *testing.T) session.Store {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRedisStore(t *testing.T) session.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return session.NewRedisStore(client)
}

var backends = map[string]func(*testing.T) session.Store{
	"sql":   newSQLStore,
	"redis": newRedisStore,
}

func newTracker(t *testing.T, store session.Store) (*session.Tracker, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	tr := session.NewTracker(store, session.Options{Now: c.Now}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return tr, c
}

func TestTracker_Window(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			tr, c := newTracker(t, newStore(t))
			ctx := context.Background()
			phone := "+263771234567"

			ok, err := tr.CanSendFreeform(ctx, phone)
			require.NoError(t, err)
			assert.False(t, ok, "no session yet")

			s, err := tr.RecordInbound(ctx, phone, "hello")
			require.NoError(t, err)
			assert.Equal(t, int64(1), s.MessageCount)
			assert.True(t, s.Active)

			ok, err = tr.CanSendFreeform(ctx, phone)
			require.NoError(t, err)
			assert.True(t, ok)

			c.Advance(24 * time.Hour)
			ok, err = tr.CanSendFreeform(ctx, phone)
			require.NoError(t, err)
			assert.True(t, ok, "exactly 24h is still inside the window")

			c.Advance(time.Second)
			ok, err = tr.CanSendFreeform(ctx, phone)
			require.NoError(t, err)
			assert.False(t, ok, "24h and 1s later the window is closed")
		})
	}
}

func TestTracker_StateMachine(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			tr, c := newTracker(t, newStore(t))
			ctx := context.Background()
			phone := "+263771234567"

			st, rec, err := tr.State(ctx, phone)
			require.NoError(t, err)
			assert.Equal(t, session.StateUnknown, st)
			assert.Nil(t, rec)

			_, err = tr.RecordInbound(ctx, phone, "hi")
			require.NoError(t, err)
			st, _, err = tr.State(ctx, phone)
			require.NoError(t, err)
			assert.Equal(t, session.StateSubscribed, st)

			c.Advance(25 * time.Hour)
			st, _, err = tr.State(ctx, phone)
			require.NoError(t, err)
			assert.Equal(t, session.StateExpired, st)

			_, err = tr.RecordInbound(ctx, phone, "back again")
			require.NoError(t, err)
			st, rec, err = tr.State(ctx, phone)
			require.NoError(t, err)
			assert.Equal(t, session.StateSubscribed, st)
			assert.Equal(t, int64(2), rec.MessageCount)
			assert.Equal(t, "back again", rec.LastMessage)
			assert.True(t, rec.LastInbound.After(rec.FirstContact))
		})
	}
}

func TestTracker_OptOutSurvivesInbound(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			tr, _ := newTracker(t, newStore(t))
			ctx := context.Background()
			phone := "+263771234567"

			err := tr.SetActive(ctx, phone, false)
			assert.ErrorIs(t, err, storage.ErrNotFound, "no session to opt out of yet")

			_, err = tr.RecordInbound(ctx, phone, "hi")
			require.NoError(t, err)
			require.NoError(t, tr.SetActive(ctx, phone, false))

			s, err := tr.RecordInbound(ctx, phone, "are you there?")
			require.NoError(t, err)
			assert.False(t, s.Active)
			assert.Equal(t, int64(2), s.MessageCount)

			st, _, err := tr.State(ctx, phone)
			require.NoError(t, err)
			assert.Equal(t, session.StateExpired, st)
			ok, err := tr.CanSendFreeform(ctx, phone)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, tr.SetActive(ctx, "0771234567", true))
			ok, err = tr.CanSendFreeform(ctx, phone)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestTracker_NormalizesPhone(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			tr, _ := newTracker(t, newStore(t))
			ctx := context.Background()

			// WhatsApp delivers numbers without the leading +.
			s, err := tr.RecordInbound(ctx, "263771234567", "hi")
			require.NoError(t, err)
			assert.Equal(t, "+263771234567", s.Phone)

			ok, err := tr.CanSendFreeform(ctx, "0771234567")
			require.NoError(t, err)
			assert.True(t, ok, "local format resolves to the same session")
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+263771234567", "+263771234567", false},
		{"263771234567", "+263771234567", false},
		{"0771234567", "+263771234567", false},
		{"+1 650-253-0000", "+16502530000", false},
		{"", "", true},
		{"12", "", true},
		{"not a phone", "", true},
	}
	for _, tt := range tests {
		got, err := session.Normalize(tt.in, "ZW")
		if tt.wantErr {
			assert.ErrorIs(t, err, session.ErrInvalidPhone, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestTracker_InvalidPhone(t *testing.T) {
	tr, _ := newTracker(t, newSQLStore(t))
	_, err := tr.RecordInbound(context.Background(), "abc", "hi")
	assert.ErrorIs(t, err, session.ErrInvalidPhone)

	ok, err := tr.CanSendFreeform(context.Background(), "abc")
	assert.Error(t, err)
	assert.False(t, ok)
}
