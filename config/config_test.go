package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/c360/agentkernel/errors"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.KernelID)
	assert.NotEmpty(t, cfg.SigningKey)
}

func TestValidateRejectsMissingKey(t *testing.T) {
	cfg := Default()
	cfg.SigningKey = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, kerrors.IsFatal(err))
}

func TestValidateRejectsBadTransport(t *testing.T) {
	cfg := Default()
	cfg.Transport = "carrier-pigeon"
	assert.True(t, kerrors.IsFatal(cfg.Validate()))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("OLLAMA_HOST", "http://localhost:11434")
	t.Setenv("HOME", t.TempDir())

	cfg := Default()
	cfg.StateDir = ""
	cfg.ApplyEnv()

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaHost)
	assert.Contains(t, cfg.StateDir, ".agentkernel")
}

func TestConnectionFileRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.BasePort = 9600
	cf := NewConnectionFile(cfg)
	assert.Equal(t, 9600, cf.ShellPort)
	assert.Equal(t, 9601, cf.ControlPort)
	assert.Equal(t, 9602, cf.IOPubPort)
	assert.Equal(t, 9603, cf.StdinPort)
	assert.Equal(t, SignatureScheme, cf.SignatureScheme)

	path := filepath.Join(t.TempDir(), "kernel.json")
	require.NoError(t, cf.Write(path))

	loaded, err := LoadConnectionFile(path)
	require.NoError(t, err)
	assert.Equal(t, cf, loaded)
}

func TestLoadConnectionFileCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.json")
	require.NoError(t, writeFile(path, "{not json"))

	_, err := LoadConnectionFile(path)
	require.Error(t, err)
	assert.True(t, kerrors.IsFatal(err))
}

func TestConnectionFileValidate(t *testing.T) {
	cf := NewConnectionFile(Default())
	cf.SignatureScheme = "md5"
	assert.True(t, kerrors.IsFatal(cf.Validate()))

	cf = NewConnectionFile(Default())
	cf.SigningKey = ""
	assert.True(t, kerrors.IsFatal(cf.Validate()))
}
