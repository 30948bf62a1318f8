package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// ReadOnlyFlag — переключаемый на лету флаг режима обслуживания.
type ReadOnlyFlag struct {
	on atomic.Bool
}

// NewReadOnlyFlag создаёт флаг с начальным значением.
func NewReadOnlyFlag(initial bool) *ReadOnlyFlag {
	f := &ReadOnlyFlag{}
	f.on.Store(initial)
	return f
}

// Set переключает режим.
func (f *ReadOnlyFlag) Set(on bool) { f.on.Store(on) }

// Enabled возвращает текущее состояние.
func (f *ReadOnlyFlag) Enabled() bool { return f.on.Load() }

// ReadOnly отклоняет все мутирующие методы в режиме обслуживания,
// включая идемпотентные: запись в БД в этом режиме запрещена целиком.
func ReadOnly(flag *ReadOnlyFlag) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			if flag.Enabled() {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "service is in read-only mode, try again later",
				})
				return
			}
		}
		c.Next()
	}
}
