package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/repository"
)

// ErrorHandler обрабатывает ошибки централизованно. Доменные ошибки
// переводятся в HTTP статус и код, внутренние маскируются.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() || len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		if appErr, ok := apperror.As(err); ok {
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				logger.Log.WithFields(logrus.Fields{
					"error":  err.Error(),
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("request failed")
			}
			c.JSON(appErr.HTTPStatus, gin.H{
				"error": appErr.Message,
				"code":  string(appErr.Code),
			})
			return
		}

		if repository.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "not found",
				"code":  string(apperror.ErrCodeNotFound),
			})
			return
		}

		logger.Log.WithFields(logrus.Fields{
			"error":  err.Error(),
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Error("request failed")

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error",
			"code":  string(apperror.ErrCodeInternal),
		})
	}
}
