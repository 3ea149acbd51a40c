package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/vaxgame/internal/errors"
	"github.com/victornm/vaxgame/internal/registry"
	"github.com/victornm/vaxgame/internal/session"
)

func newService(t *testing.T) (*session.Service, *registry.Memory) {
	t.Helper()
	store := registry.NewMemory()
	return session.NewService(session.Config{Store: store}), store
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		svc, _ := newService(t)

		sess, ps, err := svc.CreateSession(ctx, session.CreateSessionRequest{
			Name:      "group A",
			GroupSize: 6,
		})
		require.NoError(t, err)

		assert.Equal(t, 10, sess.Rounds)
		assert.Equal(t, 15, sess.WatchSeconds)
		assert.Equal(t, "500", sess.StartingBalance.String())
		require.Len(t, ps, 6)

		// One of each cost profile before any repeats.
		types := map[int]int{}
		for _, p := range ps {
			types[p.PType]++
		}
		for want := 1; want <= 6; want++ {
			assert.Equal(t, 1, types[want], "ptype %d", want)
		}
	})

	t.Run("codes are readable and unique", func(t *testing.T) {
		svc, _ := newService(t)

		_, ps, err := svc.CreateSession(ctx, session.CreateSessionRequest{GroupSize: 8})
		require.NoError(t, err)

		seen := map[string]bool{}
		for _, p := range ps {
			assert.Len(t, p.Code, 6)
			assert.NotContains(t, p.Code, "O")
			assert.NotContains(t, p.Code, "0")
			assert.NotContains(t, p.Code, "I")
			assert.NotContains(t, p.Code, "1")
			assert.False(t, seen[p.Code], "duplicate code %s", p.Code)
			seen[p.Code] = true
		}
	})

	t.Run("rejects a solo group", func(t *testing.T) {
		svc, _ := newService(t)

		_, _, err := svc.CreateSession(ctx, session.CreateSessionRequest{GroupSize: 1})
		assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
	})

	t.Run("rejects a negative balance", func(t *testing.T) {
		svc, _ := newService(t)

		_, _, err := svc.CreateSession(ctx, session.CreateSessionRequest{GroupSize: 2, StartingBalance: "-5"})
		assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("archive then list", func(t *testing.T) {
		svc, _ := newService(t)

		sess, _, err := svc.CreateSession(ctx, session.CreateSessionRequest{GroupSize: 2})
		require.NoError(t, err)

		require.NoError(t, svc.ArchiveSession(ctx, sess.SessionID))

		sessions, err := svc.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.True(t, sessions[0].Archived)
	})

	t.Run("delete frees the codes", func(t *testing.T) {
		svc, store := newService(t)

		sess, ps, err := svc.CreateSession(ctx, session.CreateSessionRequest{GroupSize: 2})
		require.NoError(t, err)

		require.NoError(t, svc.DeleteSession(ctx, sess.SessionID))

		_, err = store.ParticipantByCode(ctx, ps[0].Code)
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("unknown session", func(t *testing.T) {
		svc, _ := newService(t)
		err := svc.ResetSession(ctx, "nope")
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	})
}
