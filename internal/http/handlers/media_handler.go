package handlers

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/storage"
)

// MediaHandler — загрузка изображений и раздача приватного слоя.
type MediaHandler struct {
	storage *storage.MediaStorage
}

// NewMediaHandler создаёт хэндлер.
func NewMediaHandler(storage *storage.MediaStorage) *MediaHandler {
	return &MediaHandler{storage: storage}
}

// Upload обрабатывает POST /media: принимает multipart файл во
// временный каталог пользователя.
func (h *MediaHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "file is required"))
		return
	}
	defer file.Close()

	relPath, size, err := h.storage.SaveTemp(c.Request.Context(), currentPrincipalID(c), header.Filename, file)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": relPath, "size": size})
}

// Promote обрабатывает POST /media/promote: переносит временную
// загрузку в публичный либо приватный слой.
func (h *MediaHandler) Promote(c *gin.Context) {
	var req struct {
		Path    string `json:"path" binding:"required"`
		Private bool   `json:"private"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "path is required"))
		return
	}

	newPath, err := h.storage.Promote(c.Request.Context(), req.Path, req.Private)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": newPath})
}

// ServePrivate обрабатывает GET /media/private/*filepath: приватный
// слой отдаётся только аутентифицированным принципалам.
func (h *MediaHandler) ServePrivate(c *gin.Context) {
	rel := path.Clean(c.Param("filepath"))
	f, err := h.storage.Open(path.Join("private_images", rel))
	if err != nil {
		fail(c, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fail(c, apperror.Wrap(err, apperror.ErrCodeInternal, "failed to stat file"))
		return
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}
