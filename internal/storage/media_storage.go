package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
)

// Разметка хранилища. Всё вне этих каталогов считается сиротой.
const (
	publicImagesDir  = "public/images"
	privateImagesDir = "private_images"
	tempDirPrefix    = "temp_"
)

// MediaStorage — файловое хранилище изображений. Загрузка идёт сначала
// во временный каталог пользователя, затем продвигается в публичный или
// приватный слой.
type MediaStorage struct {
	rootPath       string
	maxUploadBytes int64
}

// NewMediaStorage создаёт файловое хранилище.
func NewMediaStorage(rootPath string, maxUploadMB int64) (*MediaStorage, error) {
	for _, dir := range []string{publicImagesDir, privateImagesDir} {
		if err := os.MkdirAll(filepath.Join(rootPath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("storage: не удалось создать каталог %s: %w", dir, err)
		}
	}
	return &MediaStorage{
		rootPath:       rootPath,
		maxUploadBytes: maxUploadMB * 1024 * 1024,
	}, nil
}

// SaveTemp сохраняет загрузку во временный каталог пользователя.
// Содержимое проверяется по магическим байтам: принимаются только
// изображения.
func (s *MediaStorage) SaveTemp(ctx context.Context, userID, originalName string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	head := make([]byte, 261)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", 0, fmt.Errorf("storage: чтение заголовка: %w", err)
	}
	head = head[:n]
	if !filetype.IsImage(head) {
		return "", 0, apperror.New(apperror.ErrCodeValidation, "only image uploads are allowed")
	}

	unique, err := idgen.ShortID("f", 12)
	if err != nil {
		return "", 0, fmt.Errorf("storage: генерация имени: %w", err)
	}
	safeName := sanitizeFilename(originalName)
	fileName := fmt.Sprintf("%s_%d%s", unique, time.Now().UnixNano(), filepath.Ext(safeName))

	tempDir := filepath.Join(s.rootPath, tempDirPrefix+userID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("storage: не удалось создать временный каталог: %w", err)
	}

	targetPath := filepath.Join(tempDir, fileName)
	tmpPath := targetPath + ".part"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("storage: не удалось создать файл: %w", err)
	}
	defer f.Close()

	limited := io.LimitedReader{R: io.MultiReader(bytes.NewReader(head), r), N: s.maxUploadBytes + 1}
	written, err := io.Copy(f, &limited)
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("storage: ошибка записи файла: %w", err)
	}
	if written > s.maxUploadBytes {
		_ = os.Remove(tmpPath)
		return "", 0, apperror.New(apperror.ErrCodeValidation, "upload exceeds the size limit")
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("storage: ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return "", 0, fmt.Errorf("storage: не удалось переименовать файл: %w", err)
	}

	relative := filepath.Join(tempDirPrefix+userID, fileName)
	return relative, written, nil
}

// Promote переносит временный файл в публичный либо приватный слой и
// возвращает новый относительный путь.
func (s *MediaStorage) Promote(ctx context.Context, tempRelPath string, private bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !strings.HasPrefix(tempRelPath, tempDirPrefix) {
		return "", apperror.New(apperror.ErrCodeBadRequest, "not a temporary upload path")
	}

	layer := publicImagesDir
	if private {
		layer = privateImagesDir
	}
	fileName := filepath.Base(tempRelPath)
	target := filepath.Join(s.rootPath, layer, fileName)
	if err := os.Rename(filepath.Join(s.rootPath, tempRelPath), target); err != nil {
		return "", fmt.Errorf("storage: продвижение файла: %w", err)
	}
	return filepath.Join(layer, fileName), nil
}

// Delete удаляет файл из хранилища.
func (s *MediaStorage) Delete(ctx context.Context, relativePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.Join(s.rootPath, filepath.Clean(relativePath))
	if !strings.HasPrefix(target, s.rootPath) {
		return apperror.New(apperror.ErrCodeBadRequest, "path escapes storage root")
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: не удалось удалить файл: %w", err)
	}
	return nil
}

// Open отдаёт файл приватного слоя (для авторизованной раздачи).
func (s *MediaStorage) Open(relativePath string) (*os.File, error) {
	target := filepath.Join(s.rootPath, filepath.Clean(relativePath))
	if !strings.HasPrefix(target, s.rootPath) {
		return nil, apperror.New(apperror.ErrCodeBadRequest, "path escapes storage root")
	}
	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperror.New(apperror.ErrCodeNotFound, "file not found")
		}
		return nil, fmt.Errorf("storage: открытие файла: %w", err)
	}
	return f, nil
}

// RemoveChatFiles удаляет приватные файлы завершённого чата поддержки.
// Лучшая попытка: ошибки логируются.
func (s *MediaStorage) RemoveChatFiles(chatID int64) {
	dir := filepath.Join(s.rootPath, privateImagesDir, fmt.Sprintf("chat_%d", chatID))
	if err := os.RemoveAll(dir); err != nil {
		logger.Log.WithField("chat_id", chatID).WithError(err).Warn("не удалось удалить файлы чата")
	}
}

// SweepOrphans удаляет файлы вне допустимой разметки старше maxAge.
// limit ограничивает число удалений за проход.
func (s *MediaStorage) SweepOrphans(maxAge time.Duration, limit int) (int, error) {
	entries, err := os.ReadDir(s.rootPath)
	if err != nil {
		return 0, fmt.Errorf("storage: чтение корня: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if removed >= limit {
			break
		}
		name := entry.Name()
		if name == "public" || name == privateImagesDir || strings.HasPrefix(name, tempDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.rootPath, name)
		if err := os.RemoveAll(path); err != nil {
			logger.Log.WithField("path", path).WithError(err).Warn("не удалось удалить сироту")
			continue
		}
		removed++
	}
	return removed, nil
}

// SweepTempDirs удаляет временные каталоги загрузок старше maxAge.
func (s *MediaStorage) SweepTempDirs(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.rootPath)
	if err != nil {
		return 0, fmt.Errorf("storage: чтение корня: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), tempDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.rootPath, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Log.WithField("path", path).WithError(err).Warn("не удалось удалить временный каталог")
			continue
		}
		removed++
	}
	return removed, nil
}

// sanitizeFilename удаляет потенциально опасные символы.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		name = "upload"
	}
	return name
}
