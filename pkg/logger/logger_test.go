package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactsCredentialAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, "debug"))

	log.Info("deploy",
		slog.String("private_key", "0xdeadbeef"),
		slog.String("service_account_secret", "s3cret"),
		slog.String("address", "0xabc"),
	)

	out := buf.String()
	require.NotEmpty(t, out)
	assert.NotContains(t, out, "0xdeadbeef")
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "0xabc")
	assert.Contains(t, out, redacted)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestNamedAddsComponent(t *testing.T) {
	require.NoError(t, Init(Config{OutputPaths: []string{"stderr"}}))
	assert.NotNil(t, Named("agent"))
	assert.NotNil(t, Audit())
}
