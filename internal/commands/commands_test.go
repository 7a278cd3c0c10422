package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/gameforge/internal/config"
)

func TestDefaultConfigFileMatchesBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(defaultConfig), 0o600))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), loaded)
}

func TestBlueprintFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"minecraft.yaml", "rust.yml", "valheim.json", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	files, err := blueprintFiles(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "minecraft.yaml"),
		filepath.Join(dir, "rust.yml"),
		filepath.Join(dir, "valheim.json"),
	}, files)

	_, err = blueprintFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestGenerateTokenValidatesRoles(t *testing.T) {
	defer func(secret, tenant string, roles []string) {
		tokenSecret, tokenTenant, tokenRoles = secret, tenant, roles
	}(tokenSecret, tokenTenant, tokenRoles)

	tokenSecret = "test-secret"
	tokenTenant = ""

	tokenRoles = []string{"root"}
	assert.ErrorContains(t, runGenerateToken(generateTokenCmd, []string{"ops"}), "unknown role")

	tokenRoles = []string{"tenant"}
	assert.ErrorContains(t, runGenerateToken(generateTokenCmd, []string{"user-1"}), "need --tenant")

	tokenRoles = []string{"admin"}
	assert.NoError(t, runGenerateToken(generateTokenCmd, []string{"ops"}))
}
