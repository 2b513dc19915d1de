package identity_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawcrm/clawcrm/pkg/config"
	"github.com/clawcrm/clawcrm/pkg/identity"
	"github.com/clawcrm/clawcrm/pkg/store"
)

func setupTestService(t *testing.T) (*identity.Service, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	return identity.NewService(log, st), st
}

func TestResolve_Unlinked(t *testing.T) {
	svc, _ := setupTestService(t)

	for _, tc := range []struct {
		channel string
		id      string
	}{
		{"telegram", "1"},
		{"whatsapp", "+4912345"},
		{"", ""},
	} {
		_, err := svc.Resolve(context.Background(), tc.channel, tc.id)
		require.ErrorIs(t, err, store.ErrNotFound)
	}
}

func TestLink_ThenResolve(t *testing.T) {
	svc, st := setupTestService(t)
	ctx := context.Background()

	user := &store.User{DisplayName: "Clara"}
	require.NoError(t, st.CreateUser(ctx, user))

	tests := []struct {
		name     string
		channel  string
		id       string
		verified bool
	}{
		{name: "verified", channel: "telegram", id: "100", verified: true},
		{name: "unverified", channel: "whatsapp", id: "200", verified: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Link(ctx, user.ID, tt.channel, tt.id, tt.verified, nil)
			require.NoError(t, err)

			resolved, err := svc.Resolve(ctx, tt.channel, tt.id)
			require.NoError(t, err)
			assert.Equal(t, user.ID, resolved.UserID)
			assert.Equal(t, tt.verified, resolved.Verified)
		})
	}

	channels, err := svc.ListChannels(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, channels, 2)
}

func TestLink_UnknownUser(t *testing.T) {
	svc, _ := setupTestService(t)

	_, err := svc.Link(context.Background(), "nobody", "telegram", "1", true, nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.ListChannels(context.Background(), "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateWithChannel(t *testing.T) {
	svc, st := setupTestService(t)
	ctx := context.Background()

	email := "dora@example.com"

	userID, err := svc.CreateWithChannel(ctx, "Dora", "telegram", "555", &email)
	require.NoError(t, err)

	user, err := st.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "Dora", user.DisplayName)
	assert.Equal(t, store.RoleUser, user.Role)
	require.NotNil(t, user.Email)
	assert.Equal(t, email, *user.Email)

	resolved, err := svc.Resolve(ctx, "telegram", "555")
	require.NoError(t, err)
	assert.Equal(t, userID, resolved.UserID)
	assert.True(t, resolved.Verified)

	resolvedUser, err := svc.ResolveUser(ctx, "telegram", "555")
	require.NoError(t, err)
	assert.Equal(t, userID, resolvedUser.ID)
}
