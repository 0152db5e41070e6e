package keychain

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupPrefersEnvVar(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	assert.Equal(t, "env-key", Lookup("config-key"))
}

func TestLookupFallsBackToConfigWhenEnvUnusable(t *testing.T) {
	os.Unsetenv("GEMINI_API_KEY")
	assert.Equal(t, "config-key", Lookup("config-key"))
}

func TestIsUsableRejectsPlaceholders(t *testing.T) {
	assert.False(t, isUsable(""))
	assert.False(t, isUsable("FROM_KEYCHAIN"))
	assert.False(t, isUsable("YOUR_API_KEY_HERE"))
	assert.True(t, isUsable("sk-real-key"))
}
