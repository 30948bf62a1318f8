package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unitask/unitask-backend/internal/http/middleware"
	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/service"
)

// AuthHandler — HTTP слой регистрации, входа и управления сессиями.
type AuthHandler struct {
	auth         *service.AuthService
	cookieSecure bool
	cookieMaxAge int
}

// NewAuthHandler создаёт хэндлер. cookieMaxAge задаётся в секундах и
// должен покрывать максимальный TTL сессии.
func NewAuthHandler(auth *service.AuthService, cookieSecure bool, cookieMaxAge int) *AuthHandler {
	return &AuthHandler{
		auth:         auth,
		cookieSecure: cookieSecure,
		cookieMaxAge: cookieMaxAge,
	}
}

// setSessionCookies ставит сессионную и CSRF cookie. CSRF cookie
// читается скриптом фронтенда и дублируется в заголовок.
func (h *AuthHandler) setSessionCookies(c *gin.Context, realm, sessionID string) (string, error) {
	csrfToken, err := idgen.OpaqueToken(16)
	if err != nil {
		return "", apperror.Wrap(err, apperror.ErrCodeInternal, "failed to issue CSRF token")
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookieName(realm), sessionID, h.cookieMaxAge, "/", "", h.cookieSecure, true)
	c.SetCookie(middleware.CSRFCookieName, csrfToken, h.cookieMaxAge, "/", "", h.cookieSecure, false)
	return csrfToken, nil
}

// clearSessionCookies сбрасывает cookie при выходе.
func (h *AuthHandler) clearSessionCookies(c *gin.Context, realm string) {
	c.SetCookie(middleware.SessionCookieName(realm), "", -1, "/", "", h.cookieSecure, true)
	c.SetCookie(middleware.CSRFCookieName, "", -1, "/", "", h.cookieSecure, false)
}

// Register обрабатывает POST /auth/register (только realm пользователей).
func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Email    string `json:"email" binding:"required,email"`
		Phone    string `json:"phone"`
		Password string `json:"password" binding:"required"`
		Timezone string `json:"timezone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "invalid request body"))
		return
	}

	user, err := h.auth.Register(c.Request.Context(), req.Name, req.Email, req.Phone, req.Password, req.Timezone)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

// Login обрабатывает POST /auth/login для заданного realm'а.
func (h *AuthHandler) Login(realm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
			TOTPCode string `json:"totp_code"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, apperror.New(apperror.ErrCodeBadRequest, "email and password are required"))
			return
		}

		result, err := h.auth.Login(c.Request.Context(), realm, req.Email, req.Password, req.TOTPCode,
			middleware.RequestFingerprint(c), c.ClientIP())
		if err != nil {
			fail(c, err)
			return
		}

		csrfToken, err := h.setSessionCookies(c, realm, result.Session.SessionID)
		if err != nil {
			fail(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"session":       result.Session,
			"refresh_token": result.RefreshToken,
			"csrf_token":    csrfToken,
		})
	}
}

// Refresh обрабатывает POST /auth/refresh: обменивает refresh-токен на
// новую сессию с ротацией токена.
func (h *AuthHandler) Refresh(realm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, apperror.New(apperror.ErrCodeBadRequest, "refresh_token is required"))
			return
		}

		result, err := h.auth.Refresh(c.Request.Context(), realm, req.RefreshToken,
			c.ClientIP(), middleware.RequestFingerprint(c))
		if err != nil {
			fail(c, err)
			return
		}

		csrfToken, err := h.setSessionCookies(c, realm, result.Session.SessionID)
		if err != nil {
			fail(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"session":       result.Session,
			"refresh_token": result.RefreshToken,
			"csrf_token":    csrfToken,
		})
	}
}

// Logout обрабатывает POST /auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	realm := currentRealm(c)
	if err := h.auth.Logout(c.Request.Context(), realm, currentSessionID(c), currentPrincipalID(c)); err != nil {
		fail(c, err)
		return
	}
	h.clearSessionCookies(c, realm)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// LogoutOthers обрабатывает POST /auth/logout-others: отзывает все
// сессии, кроме текущей.
func (h *AuthHandler) LogoutOthers(c *gin.Context) {
	revoked, err := h.auth.LogoutOthers(c.Request.Context(), currentPrincipalID(c), currentRealm(c), currentSessionID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

// ListSessions обрабатывает GET /auth/sessions.
func (h *AuthHandler) ListSessions(c *gin.Context) {
	sessions, err := h.auth.ListSessions(c.Request.Context(), currentPrincipalID(c), currentRealm(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "current": currentSessionID(c)})
}

// Me обрабатывает GET /profile (только realm пользователей).
func (h *AuthHandler) Me(c *gin.Context) {
	if currentRealm(c) != models.RealmUser {
		fail(c, apperror.New(apperror.ErrCodeForbidden, "profile is available to users only"))
		return
	}
	user, err := h.auth.GetUser(c.Request.Context(), currentPrincipalID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
