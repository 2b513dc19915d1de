package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawcrm/clawcrm/pkg/config"
	"github.com/clawcrm/clawcrm/pkg/gateway"
	"github.com/clawcrm/clawcrm/pkg/server"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Database.SQLite.Path = ":memory:"
	cfg.AdminUsers = []config.AdminUser{
		{DisplayName: "Anna", Email: "anna@example.com", Role: "admin"},
	}

	return cfg
}

func TestServer_StartStop(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	registered := false

	srv := server.NewServer(log, testConfig(), func(g *gateway.Gateway) error {
		registered = true

		return g.RegisterModule("notes", "list", func(context.Context, *gateway.Call) (any, error) {
			return []string{}, nil
		})
	})

	assert.Nil(t, srv.Gateway())

	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() { _ = srv.Stop() })

	assert.True(t, registered)

	methods := srv.Gateway().Methods()
	assert.Contains(t, methods, "crm.admin.users")
	assert.Contains(t, methods, "crm.auth.status")
	assert.Contains(t, methods, gateway.ModuleMethod("notes", "list"))

	resp, err := http.Get("http://" + srv.Gateway().Addr() + "/health")
	require.NoError(t, err)

	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Connections)

	require.NoError(t, srv.Stop())
}

func TestServer_StartFailures(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := testConfig()
	cfg.Database.Driver = "oracle"

	srv := server.NewServer(log, cfg)
	require.Error(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())

	cfg = testConfig()
	cfg.Server.MaxMessageSize = "nope"

	srv = server.NewServer(log, cfg)
	require.Error(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())
}
