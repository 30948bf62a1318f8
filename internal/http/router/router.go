package router

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/unitask/unitask-backend/internal/config"
	"github.com/unitask/unitask-backend/internal/http/handlers"
	"github.com/unitask/unitask-backend/internal/http/middleware"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/session"
)

// SetupRouter собирает все маршруты сервиса.
func SetupRouter(
	cfg *config.Config,
	sessions *session.Store,
	guard middleware.PrincipalGuard,
	readOnly *middleware.ReadOnlyFlag,
	authHandler *handlers.AuthHandler,
	taskHandler *handlers.TaskHandler,
	paymentHandler *handlers.PaymentHandler,
	disputeHandler *handlers.DisputeHandler,
	chatHandler *handlers.ChatHandler,
	csChatHandler *handlers.CSChatHandler,
	notificationHandler *handlers.NotificationHandler,
	mediaHandler *handlers.MediaHandler,
	wsHandler *handlers.WSHandler,
	adminHandler *handlers.AdminHandler,
	healthHandler *handlers.HealthHandler,
) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", healthHandler.Health)
	r.StaticFS("/media/public", http.Dir(filepath.Join(cfg.MediaStoragePath, "public")))

	// Вебхук провайдера: без CSRF и вне режима обслуживания, иначе
	// расчёты по уже принятым деньгам зависнут.
	r.POST("/api/stripe/webhook", paymentHandler.Webhook)

	api := r.Group("/api")
	api.Use(middleware.ReadOnly(readOnly))

	authRateLimit := middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod)

	authGroup := api.Group("/auth")
	authGroup.Use(authRateLimit)
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login(models.RealmUser))
		authGroup.POST("/refresh", authHandler.Refresh(models.RealmUser))
	}
	csAuth := api.Group("/cs/auth")
	csAuth.Use(authRateLimit)
	{
		csAuth.POST("/login", authHandler.Login(models.RealmService))
		csAuth.POST("/refresh", authHandler.Refresh(models.RealmService))
	}

	// Ответ на встречное предложение авторизуется одноразовым токеном
	// из письма, сессия не требуется.
	api.POST("/negotiations/respond", authRateLimit, taskHandler.RespondToNegotiation)

	// Публичные маршруты.
	api.GET("/tasks", taskHandler.ListTasks)
	api.GET("/tasks/:id", taskHandler.GetTask)
	api.GET("/ws", wsHandler.Handle)

	// Защищённые маршруты пользователей.
	protected := api.Group("/")
	protected.Use(middleware.AuthGate(sessions, guard, models.RealmUser), middleware.CSRF())
	{
		protected.GET("/profile", authHandler.Me)
		protected.POST("/auth/logout", authHandler.Logout)
		protected.POST("/auth/logout-others", authHandler.LogoutOthers)
		protected.GET("/auth/sessions", authHandler.ListSessions)

		protected.POST("/tasks", taskHandler.CreateTask)
		protected.POST("/tasks/:id/applications", taskHandler.Apply)
		protected.GET("/tasks/:id/applications", taskHandler.ListApplications)
		protected.POST("/tasks/:id/applications/:appId/accept", taskHandler.AcceptApplication)
		protected.POST("/applications/:appId/counter-offer", taskHandler.CounterOffer)
		protected.POST("/tasks/:id/cancel", taskHandler.Cancel)
		protected.POST("/tasks/:id/done", taskHandler.MarkDone)
		protected.POST("/tasks/:id/confirm", taskHandler.Confirm)
		protected.POST("/tasks/:id/pay", paymentHandler.Pay)
		protected.POST("/tasks/:id/dispute", disputeHandler.Open)

		protected.GET("/tasks/:id/messages", chatHandler.List)
		protected.POST("/tasks/:id/messages", chatHandler.Send)
		protected.POST("/tasks/:id/messages/read", chatHandler.MarkRead)
		protected.GET("/tasks/:id/messages/unread/count", chatHandler.UnreadCount)

		protected.GET("/notifications", notificationHandler.List)
		protected.GET("/notifications/unread/count", notificationHandler.CountUnread)
		protected.PUT("/notifications/:id/read", notificationHandler.MarkRead)
		protected.PUT("/notifications/read-all", notificationHandler.MarkAllRead)

		protected.POST("/cs/chats", csChatHandler.Request)
		protected.GET("/cs/queue/estimate", csChatHandler.Estimate)
	}

	// Чат поддержки общий для пользователей и операторов.
	shared := api.Group("/")
	shared.Use(middleware.AuthGateAny(sessions, guard, models.RealmUser, models.RealmService), middleware.CSRF())
	{
		shared.GET("/cs/chats/:id/messages", csChatHandler.List)
		shared.POST("/cs/chats/:id/messages", csChatHandler.Send)
		shared.POST("/cs/chats/:id/end", csChatHandler.End)

		shared.POST("/media", mediaHandler.Upload)
		shared.POST("/media/promote", mediaHandler.Promote)
		shared.GET("/media/private/*filepath", mediaHandler.ServePrivate)
	}

	// Админ-панель живёт вне режима обслуживания: иначе его нельзя
	// было бы выключить.
	admin := r.Group("/api/admin")
	adminAuth := admin.Group("/auth")
	adminAuth.Use(authRateLimit)
	{
		adminAuth.POST("/login", authHandler.Login(models.RealmAdmin))
		adminAuth.POST("/refresh", authHandler.Refresh(models.RealmAdmin))
	}
	adminProtected := admin.Group("/")
	adminProtected.Use(middleware.AuthGate(sessions, guard, models.RealmAdmin), middleware.CSRF())
	{
		adminProtected.POST("/auth/logout", authHandler.Logout)
		adminProtected.GET("/auth/sessions", authHandler.ListSessions)

		adminProtected.GET("/disputes", disputeHandler.List)
		adminProtected.GET("/disputes/:id", disputeHandler.Get)
		adminProtected.POST("/disputes/:id/resolve", disputeHandler.Resolve)

		adminProtected.POST("/tasks/:id/cancel", adminHandler.CancelTask)
		adminProtected.POST("/system/read-only", adminHandler.SetReadOnly)
		adminProtected.GET("/jobs", adminHandler.JobStats)
	}

	return r
}
