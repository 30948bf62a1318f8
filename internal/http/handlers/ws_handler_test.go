package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/session"
	"github.com/unitask/unitask-backend/internal/ws"
)

func init() {
	logger.Init("error")
	gin.SetMode(gin.TestMode)
}

type wsGuardStub struct {
	err error
}

func (g *wsGuardStub) CheckActive(ctx context.Context, principalID, realm string) error {
	return g.err
}

func newWSRouter(t *testing.T, guard *wsGuardStub) (*gin.Engine, *session.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := session.NewStore(client, 4*time.Hour, 8*time.Hour, 2*time.Hour, 3)

	var h *WSHandler
	if guard != nil {
		h = NewWSHandler(ws.NewHub(nil, nil), sessions, guard)
	} else {
		h = NewWSHandler(ws.NewHub(nil, nil), sessions, nil)
	}
	r := gin.New()
	r.GET("/api/ws", h.Handle)
	return r, sessions
}

func wsGet(r *gin.Engine, cookie string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
	req.Header.Set("User-Agent", "ua")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("Accept-Encoding", "gzip")
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: cookie})
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWSHandler_UnknownSessionIs401(t *testing.T) {
	r, _ := newWSRouter(t, nil)

	// Протухшая cookie не должна ронять хэндлер.
	w := wsGet(r, "no-such-session")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "session is invalid or expired")
}

func TestWSHandler_MissingCookieIs401(t *testing.T) {
	r, _ := newWSRouter(t, nil)

	w := wsGet(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWSHandler_BannedPrincipalIs403(t *testing.T) {
	guard := &wsGuardStub{err: apperror.New(apperror.ErrCodeForbidden, "account is not available")}
	r, sessions := newWSRouter(t, guard)

	fp := session.Fingerprint("ua", "en", "gzip")
	info, err := sessions.CreateSession(context.Background(), "U1", models.RealmUser, fp, "1.2.3.4")
	require.NoError(t, err)

	w := wsGet(r, info.SessionID)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
