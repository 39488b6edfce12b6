package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSnapshot(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestFileSource_Fetch(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, "alice@contoso.com.json", `{"signIns":[{"id":"s1","ipAddress":"198.51.100.10"}]}`)
	src := NewFileSource(dir)

	raw, err := src.Fetch(context.Background(), "Alice@Contoso.com")
	require.NoError(t, err)

	assert.Equal(t, "Alice@Contoso.com", raw.Account)
	require.Len(t, raw.SignIns, 1)
	assert.Equal(t, "198.51.100.10", raw.SignIns[0].IPAddress)
}

func TestFileSource_KeepsExportedAccount(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, "alice@contoso.com.json", `{"account":"alice@contoso.com"}`)

	raw, err := NewFileSource(dir).Fetch(context.Background(), "ALICE@contoso.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@contoso.com", raw.Account)
}

func TestFileSource_Errors(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, "broken@contoso.com.json", `{"signIns": [`)
	src := NewFileSource(dir)
	ctx := context.Background()

	_, err := src.Fetch(ctx, "missing@contoso.com")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	_, err = src.Fetch(ctx, "broken@contoso.com")
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	for _, bad := range []string{"", "../etc/passwd", `a\b@contoso.com`, "x/y@contoso.com"} {
		_, err = src.Fetch(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidSnapshot, bad)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.Fetch(cancelled, "missing@contoso.com")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileSource_HealthCheck(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, NewFileSource(dir).HealthCheck(context.Background()))

	err := NewFileSource(filepath.Join(dir, "nope")).HealthCheck(context.Background())
	assert.ErrorIs(t, err, ErrInvalidDirectory)

	file := filepath.Join(dir, "file.json")
	writeSnapshot(t, dir, "file.json", "{}")
	err = NewFileSource(file).HealthCheck(context.Background())
	assert.ErrorIs(t, err, ErrInvalidDirectory)
}
