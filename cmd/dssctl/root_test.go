package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"dss/internal/server/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg := config.Default()
	cfg.DatabaseURL = "memory://"

	cmd := newRootCmd(&cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenCreate(t *testing.T) {
	t.Run("plain output", func(t *testing.T) {
		out, err := run(t, "token", "create", "--namespace", "acme")
		require.NoError(t, err)
		require.Contains(t, out, `namespace "acme"`)
		require.Contains(t, out, "bearer: ")
	})

	t.Run("json output", func(t *testing.T) {
		out, err := run(t, "--json", "token", "create", "--namespace", "acme", "--description", "ci")
		require.NoError(t, err)

		var res map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		require.Equal(t, "acme", res["namespace"])
		require.True(t, strings.HasPrefix(res["bearer"], res["id"]+"."))
	})

	t.Run("namespace required", func(t *testing.T) {
		_, err := run(t, "token", "create")
		require.Error(t, err)
	})
}

func TestGC(t *testing.T) {
	out, err := run(t, "--json", "gc", "--grace", "1h")
	require.NoError(t, err)
	require.JSONEq(t, `{"released":0,"failed":0}`, out)

	_, err = run(t, "gc", "--grace", "0s")
	require.Error(t, err)
}

func TestMigrateRejectsMemoryStore(t *testing.T) {
	_, err := run(t, "migrate")
	require.Error(t, err)
}
