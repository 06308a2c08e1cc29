package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taigabot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]func() Store {
	dir := t.TempDir()
	return map[string]func() Store{
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "bot.json")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "bot.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func TestDocumentsCRUD(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			p, err := st.PutProject(ctx, Project{Name: "Core", Slug: "core"})
			require.NoError(t, err)
			require.NotZero(t, p.ID)
			assert.False(t, p.CreatedAt.IsZero())

			in, err := st.PutInstance(ctx, Instance{ProjectID: p.ID, ChatID: -100123, ThreadID: 7, EntityTypes: []string{"task", "issue"}})
			require.NoError(t, err)

			got, err := st.GetInstance(ctx, in.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(-100123), got.ChatID)
			assert.Equal(t, 7, got.ThreadID)
			assert.Equal(t, []string{"task", "issue"}, got.EntityTypes)
			assert.True(t, got.Subscribed("task"))
			assert.False(t, got.Subscribed("wikipage"))

			got.Language = "ru"
			_, err = st.PutInstance(ctx, got)
			require.NoError(t, err)
			again, err := st.GetInstance(ctx, in.ID)
			require.NoError(t, err)
			assert.Equal(t, "ru", again.Language)

			_, err = st.PutInstance(ctx, Instance{ProjectID: 9999, ChatID: 1})
			require.ErrorIs(t, err, ErrNotFound)

			list, err := st.ProjectInstances(ctx, p.ID)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			require.NoError(t, st.DeleteProject(ctx, p.ID))
			_, err = st.GetInstance(ctx, in.ID)
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, st.DeleteProject(ctx, p.ID), ErrNotFound)
		})
	}
}

func TestListPagination(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()
			for i := 0; i < 5; i++ {
				_, err := st.PutProject(ctx, Project{Name: "p"})
				require.NoError(t, err)
			}
			page, err := st.ListProjects(ctx, Page{Offset: 1, Limit: 2})
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, int64(2), page[0].ID)
			assert.Equal(t, int64(3), page[1].ID)

			tail, err := st.ListProjects(ctx, Page{Offset: 10})
			require.NoError(t, err)
			assert.Empty(t, tail)
		})
	}
}

func TestUsersAndAdmins(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			_, err := st.PutUser(ctx, User{ID: 10, Username: "root", IsAdmin: true})
			require.NoError(t, err)
			_, err = st.PutUser(ctx, User{ID: 11, Username: "guest"})
			require.NoError(t, err)
			_, err = st.PutUser(ctx, User{})
			require.Error(t, err)

			admins, err := st.Admins(ctx)
			require.NoError(t, err)
			require.Len(t, admins, 1)
			assert.Equal(t, int64(10), admins[0].ID)

			require.NoError(t, st.DeleteUser(ctx, 11))
			_, err = st.GetUser(ctx, 11)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDedupSurvivesReopen(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)

			st := open()
			require.NoError(t, st.PutDedup(ctx, "k1", until))
			require.NoError(t, st.Close())

			st = open()
			defer st.Close()
			got, ok, err := st.GetDedup(ctx, "k1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, until.Equal(got))

			_, ok, err = st.GetDedup(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileDocumentsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	p, err := st.PutProject(ctx, Project{Name: "Core"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Core", got.Name)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "none"}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)
}
