package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
)

func init() {
	logger.Init("error")
}

// pngBytes собирает минимальный валидный PNG-заголовок для проверки
// магических байт.
func pngBytes(payload int) []byte {
	head := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	return append(head, bytes.Repeat([]byte{0x0}, payload)...)
}

func newStorage(t *testing.T, maxUploadMB int64) *MediaStorage {
	t.Helper()
	s, err := NewMediaStorage(t.TempDir(), maxUploadMB)
	require.NoError(t, err)
	return s
}

func TestSaveTemp_AcceptsImage(t *testing.T) {
	s := newStorage(t, 1)

	rel, size, err := s.SaveTemp(context.Background(), "u_1", "photo.png", bytes.NewReader(pngBytes(100)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, "temp_u_1"+string(filepath.Separator)))
	assert.Equal(t, int64(108), size)
	assert.True(t, strings.HasSuffix(rel, ".png"))
}

func TestSaveTemp_RejectsNonImage(t *testing.T) {
	s := newStorage(t, 1)

	_, _, err := s.SaveTemp(context.Background(), "u_1", "notes.txt", strings.NewReader("just some text, not an image"))
	assert.True(t, apperror.IsValidation(err))
}

func TestSaveTemp_EnforcesSizeLimit(t *testing.T) {
	s := newStorage(t, 1)

	_, _, err := s.SaveTemp(context.Background(), "u_1", "big.png", bytes.NewReader(pngBytes(2*1024*1024)))
	assert.True(t, apperror.IsValidation(err))
}

func TestSaveTemp_SanitizesTraversalNames(t *testing.T) {
	s := newStorage(t, 1)

	rel, _, err := s.SaveTemp(context.Background(), "u_1", "../../etc/passwd.png", bytes.NewReader(pngBytes(10)))
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")
}

func TestPromote_MovesToChosenLayer(t *testing.T) {
	s := newStorage(t, 1)
	ctx := context.Background()

	rel, _, err := s.SaveTemp(ctx, "u_1", "photo.png", bytes.NewReader(pngBytes(10)))
	require.NoError(t, err)

	pub, err := s.Promote(ctx, rel, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pub, filepath.Join("public", "images")))

	rel2, _, err := s.SaveTemp(ctx, "u_1", "secret.png", bytes.NewReader(pngBytes(10)))
	require.NoError(t, err)
	priv, err := s.Promote(ctx, rel2, true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(priv, "private_images"))

	f, err := s.Open(priv)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestPromote_RejectsNonTempPath(t *testing.T) {
	s := newStorage(t, 1)

	_, err := s.Promote(context.Background(), "private_images/x.png", false)
	require.Error(t, err)
}

func TestOpen_BlocksEscapeFromRoot(t *testing.T) {
	s := newStorage(t, 1)

	_, err := s.Open("../outside.png")
	require.Error(t, err)
}

func TestOpen_MissingFileNotFound(t *testing.T) {
	s := newStorage(t, 1)

	_, err := s.Open("private_images/nope.png")
	assert.True(t, apperror.IsNotFound(err))
}

func TestSweepTempDirs_RemovesOnlyStaleDirs(t *testing.T) {
	root := t.TempDir()
	s, err := NewMediaStorage(root, 1)
	require.NoError(t, err)

	stale := filepath.Join(root, "temp_old")
	fresh := filepath.Join(root, "temp_new")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	removed, err := s.SweepTempDirs(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
}

func TestSweepOrphans_SkipsKnownLayout(t *testing.T) {
	root := t.TempDir()
	s, err := NewMediaStorage(root, 1)
	require.NoError(t, err)

	orphan := filepath.Join(root, "leftover.bin")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	removed, err := s.SweepOrphans(24*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// Служебные каталоги не трогаются.
	_, err = os.Stat(filepath.Join(root, "public", "images"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "private_images"))
	require.NoError(t, err)
}

func TestRemoveChatFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewMediaStorage(root, 1)
	require.NoError(t, err)

	chatDir := filepath.Join(root, "private_images", "chat_77")
	require.NoError(t, os.MkdirAll(chatDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(chatDir, "a.png"), pngBytes(1), 0o644))

	s.RemoveChatFiles(77)

	_, err = os.Stat(chatDir)
	assert.True(t, os.IsNotExist(err))
}
