package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	body := `{"message_id":1}`
	require.NoError(t, s.Write(ctx, "audit/1/7/a.json", strings.NewReader(body), int64(len(body)), "application/json"))
	require.NoError(t, s.Write(ctx, "audit/2/9/b.csv", strings.NewReader("x"), 1, "text/csv"))

	ok, err := s.Exists(ctx, "audit/1/7/a.json")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Read(ctx, "audit/1/7/a.json")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	files, err := s.List(ctx, "audit/1/")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "audit/1/7/a.json", files[0].Key)

	require.NoError(t, s.Delete(ctx, "audit/1/7/a.json"))
	_, err = s.Read(ctx, "audit/1/7/a.json")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, s.Delete(ctx, "audit/1/7/a.json"))
}

func TestLocalStorageStaysInsideBase(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s, err := NewLocalStorage(LocalConfig{BasePath: base})
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "../../escape.txt", strings.NewReader("x"), 1, ""))
	ok, err := s.Exists(ctx, "escape.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), Config{Driver: "ftp"})
	assert.Error(t, err)
}
