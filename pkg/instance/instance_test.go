package instance_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawcrm/clawcrm/pkg/config"
	"github.com/clawcrm/clawcrm/pkg/instance"
	"github.com/clawcrm/clawcrm/pkg/store"
)

func setupTestService(t *testing.T) *instance.Service {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	return instance.NewService(log, st)
}

func TestHashToken(t *testing.T) {
	// sha256("abc")
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		instance.HashToken("abc"),
	)
}

func TestGenerateKey_StoresOnlyHash(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	key, inst, err := svc.GenerateKey(ctx, "office")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, instance.KeyPrefix))
	assert.Equal(t, store.InstancePending, inst.Status)
	assert.Equal(t, instance.HashToken(key), inst.InstanceKeyHash)
	assert.NotContains(t, inst.InstanceKeyHash, key)
	require.NotNil(t, inst.Label)
	assert.Equal(t, "office", *inst.Label)
}

func TestPair_ConsumesKeyOnce(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	key, inst, err := svc.GenerateKey(ctx, "")
	require.NoError(t, err)

	id, token, err := svc.Pair(ctx, key, "http://localhost:5173")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, id)
	assert.NotEmpty(t, token)

	_, _, err = svc.Pair(ctx, key, "http://localhost:5173")
	require.ErrorIs(t, err, instance.ErrPairingInvalid)

	reconnected, err := svc.Reconnect(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, reconnected)

	instances, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, store.InstanceActive, instances[0].Status)
	require.NotNil(t, instances[0].Origin)
	assert.Equal(t, "http://localhost:5173", *instances[0].Origin)
	assert.NotNil(t, instances[0].PairedAt)
	assert.NotNil(t, instances[0].LastSeenAt)
}

func TestPair_ConcurrentAttempts(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	key, _, err := svc.GenerateKey(ctx, "")
	require.NoError(t, err)

	const attempts = 10

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		rejected int
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _, err := svc.Pair(ctx, key, "")

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				success++
			} else if assert.ErrorIs(t, err, instance.ErrPairingInvalid) {
				rejected++
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, attempts-1, rejected)
}

func TestPair_InvalidKeys(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	for _, key := range []string{"", "ik_unknown", "garbage"} {
		_, _, err := svc.Pair(ctx, key, "")
		require.ErrorIs(t, err, instance.ErrPairingInvalid)
	}

	for _, token := range []string{"", "unknown"} {
		_, err := svc.Reconnect(ctx, token)
		require.ErrorIs(t, err, instance.ErrPairingInvalid)
	}
}

func TestRevokeAndRotate(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	key, inst, err := svc.GenerateKey(ctx, "kiosk")
	require.NoError(t, err)

	_, token, err := svc.Pair(ctx, key, "")
	require.NoError(t, err)

	newKey, rotated, err := svc.Rotate(ctx, inst.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, rotated.ID)
	require.NotNil(t, rotated.Label)
	assert.Equal(t, "kiosk", *rotated.Label)

	_, err = svc.Reconnect(ctx, token)
	require.ErrorIs(t, err, instance.ErrPairingInvalid)

	_, _, err = svc.Pair(ctx, newKey, "")
	require.NoError(t, err)

	require.ErrorIs(t, svc.Revoke(ctx, "missing"), store.ErrNotFound)
}
