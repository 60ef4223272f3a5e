package ollamacord

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// gormDB creates a temporary SQLite database for testing purposes.
//
// The function creates a temporary directory, constructs a SQLite database
// file path within it, and initializes the database using the CreateDB
// function. If there is an error during database creation, the test fails
// with a fatal error.
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), "sqlite", dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

// Helper functions to create pointers
func boolPtr(b bool) *bool                       { return &b }
func strPtr(s string) *string                    { return &s }
func intPtr(i int) *int                          { return &i }
func dbLogLevelPtr(level DBLogLevel) *DBLogLevel { return &level }

func TestChunkString(t *testing.T) {
	assert.Nil(t, chunkString("", 10))

	chunks := chunkString("abcde", 2)
	assert.Equal(t, []string{"ab", "cd", "e"}, chunks)

	chunks = chunkString("abcd", 4)
	assert.Equal(t, []string{"abcd"}, chunks)

	// chunk boundaries must not split multi-byte runes
	chunks = chunkString("héllo wörld", 4)
	assert.Equal(t, []string{"héll", "o wö", "rld"}, chunks)

	reassembled := strings.Join(chunkString(strings.Repeat("é", 100), 7), "")
	assert.Equal(t, strings.Repeat("é", 100), reassembled)
}

func TestMinifyString(t *testing.T) {
	assert.Equal(t, "hello", minifyString("hello", 10))

	// double newlines are collapsed before anything is cut
	s := strings.Repeat("ab\n\n", 10)
	minified := minifyString(s, 30)
	assert.Equal(t, strings.Repeat("ab\n", 10), minified)

	// bold markers are stripped next
	s = strings.Repeat("**a**", 10)
	minified = minifyString(s, 10)
	assert.Equal(t, strings.Repeat("a", 10), minified)

	// anything still over the limit is truncated with a suffix
	s = strings.Repeat("a", 600)
	minified = minifyString(s, 500)
	assert.LessOrEqual(t, len([]rune(minified)), 500)
	assert.True(
		t,
		strings.HasSuffix(minified, "**(output limit reached)**"),
		"got: %q", minified,
	)
	assert.True(t, strings.HasPrefix(minified, "aaa"))
}

func TestDerive64ByteKey(t *testing.T) {
	key := derive64ByteKey("some secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("some secret"))
	assert.NotEqual(t, key, derive64ByteKey("other secret"))
}

func TestHashAndVerifyPassword(t *testing.T) {
	hashed, err := HashPassword("grumble")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, "$argon2id$v=19$m=65536,t=1,p=4$"))

	valid, err := VerifyPassword(hashed, "grumble")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = VerifyPassword(hashed, "mumble")
	require.NoError(t, err)
	assert.False(t, valid)

	// a fresh salt every time
	rehashed, err := HashPassword("grumble")
	require.NoError(t, err)
	assert.NotEqual(t, hashed, rehashed)

	_, err = VerifyPassword("not-a-hash", "grumble")
	assert.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	logger, ok := ContextLogger(ctx)
	assert.False(t, ok)
	assert.Nil(t, logger)

	testLogger := slog.Default().With("test", t.Name())
	ctx = WithLogger(ctx, testLogger)
	logger, ok = ContextLogger(ctx)
	assert.True(t, ok)
	assert.Equal(t, testLogger, logger)

	// nil falls back to the default logger rather than storing nil
	ctx = WithLogger(context.Background(), nil)
	logger, ok = ContextLogger(ctx)
	assert.True(t, ok)
	assert.NotNil(t, logger)
}

func TestStringPointerValue(t *testing.T) {
	assert.Equal(t, "", stringPointerValue(nil))
	assert.Equal(t, "foo", stringPointerValue(strPtr("foo")))
}

func TestTLSConfigMissingCerts(t *testing.T) {
	_, err := tlsConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", 0)
	assert.Error(t, err)
}
