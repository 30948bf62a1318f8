package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/repository"
)

func serveWithError(err error) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/x", func(c *gin.Context) {
		_ = c.Error(err)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w
}

func TestErrorHandler_AppErrorStatus(t *testing.T) {
	w := serveWithError(apperror.New(apperror.ErrCodeConflict, "task already taken"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "CONFLICT")
}

func TestErrorHandler_RepositoryNotFoundIs404(t *testing.T) {
	// Каждый sentinel репозитория транслируется в 404, не только
	// задачи и пользователи.
	for _, err := range []error{
		repository.ErrTaskNotFound,
		repository.ErrApplicationNotFound,
		repository.ErrTransferNotFound,
		repository.ErrRefundNotFound,
		repository.ErrDisputeNotFound,
		repository.ErrUserNotFound,
		repository.ErrChatNotFound,
		repository.ErrMessageNotFound,
		repository.ErrNotificationNotFound,
	} {
		w := serveWithError(err)
		assert.Equal(t, http.StatusNotFound, w.Code, err.Error())
		assert.Contains(t, w.Body.String(), "NOT_FOUND")
	}
}

func TestErrorHandler_WrappedSentinelIs404(t *testing.T) {
	w := serveWithError(fmt.Errorf("load transfer: %w", repository.ErrTransferNotFound))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorHandler_UnknownErrorIs500(t *testing.T) {
	w := serveWithError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}
