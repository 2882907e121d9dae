package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestHashToken(t *testing.T) {
	// md5("secret")
	assert.Equal(t, "5ebe2294ecd0e0f08eab7690d2a6ee69", HashToken("secret"))
	assert.Equal(t, "", HashToken(""))
	assert.NotContains(t, HashToken("my-token"), "my-token")
}

func TestServerLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("server", &buf)
	l.Info().Str("objectId", "abc").Msg("hello")
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "{"), out)
	assert.Contains(t, out, `"objectId":"abc"`)
}

func TestNopLogger(t *testing.T) {
	var buf bytes.Buffer
	l := OrNop(nil)
	l.Info().Msg("dropped")
	l.SetOutput(&buf)
	l.Warn().Msg("still dropped")
	assert.Zero(t, buf.Len())
}

func TestSetOutputRedirects(t *testing.T) {
	var first, second bytes.Buffer
	l := NewLogger("cli", &first)
	l.SetOutput(&second)
	l.Warn().Msg("above the bars")
	assert.Zero(t, first.Len())
	assert.Contains(t, second.String(), "above the bars")
	assert.Equal(t, &second, l.Output())
}

func TestChildCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("server", &buf)
	child := l.Child(l.With().Str("uploadId", "u-1"))
	child.Info().Msg("part done")
	assert.Contains(t, buf.String(), `"uploadId":"u-1"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}
