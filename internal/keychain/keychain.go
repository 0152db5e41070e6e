// Package keychain resolves the Gemini API key through the chain this router uses by default:
// environment variable, then the macOS keychain, then the static config value. It shells out to
// the system "security" CLI the way internal/process.Manager shells out to the running binary,
// since the macOS keychain has no cgo-free Go client in this stack.
package keychain

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	service = "llmrelay"
	account = "gemini-api-key"

	keychainTimeout = 2 * time.Second
)

// cache is the process-wide, write-once-read-many cache of the keychain lookup result. It is
// populated at most once: the keychain entry does not change for the lifetime of the process,
// and concurrent requests share the same lookup rather than re-invoking "security" per request.
var cache struct {
	once  sync.Once
	value string
	found bool
}

// Lookup reads the Gemini API key, preferring GEMINI_API_KEY, then the macOS keychain entry
// "llmrelay"/"gemini-api-key", then fallback, rejecting placeholder values that are empty,
// "FROM_KEYCHAIN", or prefixed "YOUR_".
func Lookup(fallback string) string {
	if v := os.Getenv("GEMINI_API_KEY"); isUsable(v) {
		return v
	}
	if v := fromKeychain(); isUsable(v) {
		return v
	}
	if isUsable(fallback) {
		return fallback
	}
	return ""
}

func isUsable(v string) bool {
	if v == "" || v == "FROM_KEYCHAIN" {
		return false
	}
	return !strings.HasPrefix(v, "YOUR_")
}

func fromKeychain() string {
	cache.once.Do(func() {
		cache.value, cache.found = readKeychain()
	})
	if !cache.found {
		return ""
	}
	return cache.value
}

// readKeychain invokes `security find-generic-password -s <service> -a <account> -w`, which
// prints the stored password on stdout. Any failure (no such entry, not on macOS, "security"
// missing) is treated as "not found" rather than an error the caller must handle.
func readKeychain() (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), keychainTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "security", "find-generic-password", "-s", service, "-a", account, "-w")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", false
	}

	value := strings.TrimSpace(stdout.String())
	if value == "" {
		return "", false
	}
	return value, true
}
