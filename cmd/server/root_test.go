package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/internal/config"
	"pairchat/internal/storage"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DB_DSN", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("LOG_LEVEL", "disabled")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", t.TempDir()))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
}

func TestServe_RequiresSecrets(t *testing.T) {
	_, err := executeCLI(t, "serve", "--addr", "127.0.0.1:0")
	require.ErrorIs(t, err, config.ErrMissingDSN)
	require.ErrorIs(t, err, config.ErrMissingJWTSecret)
}

func TestMigrate_RequiresDSN(t *testing.T) {
	_, err := executeCLI(t, "migrate")
	require.ErrorIs(t, err, config.ErrMissingDSN)
}

func TestNewStorage(t *testing.T) {
	req := require.New(t)

	blobs, local, err := newStorage(context.Background(), config.StorageConfig{
		Driver: "local",
		Local:  storage.LocalConfig{BasePath: t.TempDir(), PublicPrefix: "/files"},
	})
	req.NoError(err)
	req.NotNil(local)
	req.Equal(blobs, storage.Storage(local))
	req.Equal("/files", local.PublicPrefix())

	_, _, err = newStorage(context.Background(), config.StorageConfig{Driver: "ftp"})
	req.Error(err)
}
