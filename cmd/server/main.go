package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unitask/unitask-backend/internal/cache"
	"github.com/unitask/unitask-backend/internal/config"
	"github.com/unitask/unitask-backend/internal/db"
	"github.com/unitask/unitask-backend/internal/distlock"
	httpHandlers "github.com/unitask/unitask-backend/internal/http/handlers"
	"github.com/unitask/unitask-backend/internal/http/middleware"
	httpRouter "github.com/unitask/unitask-backend/internal/http/router"
	"github.com/unitask/unitask-backend/internal/kv"
	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/mail"
	"github.com/unitask/unitask-backend/internal/psp"
	"github.com/unitask/unitask-backend/internal/repository"
	"github.com/unitask/unitask-backend/internal/scheduler"
	"github.com/unitask/unitask-backend/internal/service"
	"github.com/unitask/unitask-backend/internal/session"
	"github.com/unitask/unitask-backend/internal/storage"
	"github.com/unitask/unitask-backend/internal/ws"
)

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	// Инициализация логгера
	if cfg.Env == "development" {
		logger.Init("debug")
		logger.SetTextFormatter()
	} else {
		logger.Init("info")
	}

	// Подключение к базе и миграции.
	dbConn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("main: ошибка подключения к базе: %v", err)
	}
	defer safeClose(dbConn)

	if err := db.RunMigrations(ctx, dbConn, cfg.MigrationsPath); err != nil {
		log.Fatalf("main: ошибка миграций: %v", err)
	}

	rdb, err := kv.NewRedis(ctx, cfg.RedisURL, cfg.RedisPass)
	if err != nil {
		log.Fatalf("main: ошибка подключения к Redis: %v", err)
	}
	defer rdb.Close()

	// Инфраструктура поверх KV.
	appCache := cache.New(rdb)
	locker := distlock.NewLocker(rdb)
	sessions := session.NewStore(rdb, cfg.UserSessionTTL, cfg.ServiceSessionTTL, cfg.AdminSessionTTL, cfg.MaxSessionsPerUser)
	negotiationTokens := service.NewNegotiationTokenStore(rdb)

	mediaStorage, err := storage.NewMediaStorage(cfg.MediaStoragePath, cfg.MaxUploadSizeMB)
	if err != nil {
		log.Fatalf("main: не удалось подготовить файловое хранилище: %v", err)
	}

	// Репозитории.
	userRepo := repository.NewUserRepository(dbConn)
	taskRepo := repository.NewTaskRepository(dbConn)
	paymentRepo := repository.NewPaymentRepository(dbConn)
	disputeRepo := repository.NewDisputeRepository(dbConn)
	messageRepo := repository.NewMessageRepository(dbConn)
	csChatRepo := repository.NewCSChatRepository(dbConn)
	notificationRepo := repository.NewNotificationRepository(dbConn)

	// Внешние провайдеры.
	stripeProvider := psp.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	mailer := mail.NewMailer(cfg.SendGridAPIKey, cfg.EmailFrom, "UniTask")

	// Хаб собирается раньше сервисов: он нужен им как Pusher.
	hub := ws.NewHub(nil, nil)
	go hub.Run(ctx)

	// Сервисы.
	notificationService := service.NewNotificationService(notificationRepo, hub)
	escrowService := service.NewEscrowService(paymentRepo, taskRepo, userRepo, stripeProvider, notificationService, rdb)
	taskService := service.NewTaskService(taskRepo, userRepo, notificationService, mailer, escrowService, negotiationTokens, appCache)
	disputeService := service.NewDisputeService(disputeRepo, taskRepo, paymentRepo, escrowService, escrowService, notificationService)
	chatService := service.NewChatService(messageRepo, taskRepo, hub)
	csChatService := service.NewCSChatService(csChatRepo, hub, mediaStorage)
	authService := service.NewAuthService(userRepo, sessions, appCache, cfg.RefreshTokenTTL)
	cleanupService := service.NewCleanupService(messageRepo, notificationRepo, mediaStorage, rdb)
	hub.SetSenders(chatService, csChatService)

	// Планировщик: каждая задача исполняется под распределённой
	// блокировкой, при нескольких репликах тик берёт одна.
	var sched *scheduler.Scheduler
	if cfg.SchedulerOn {
		sched = scheduler.New(locker)
		sched.Register("task_auto_cancel", time.Minute, 50*time.Second, func(ctx context.Context) error {
			_, err := taskService.AutoCancelExpired(ctx)
			return err
		})
		sched.Register("payment_timeout_revert", time.Hour, 10*time.Minute, func(ctx context.Context) error {
			_, err := taskService.RevertUnpaidApprovals(ctx)
			return err
		})
		sched.Register("task_auto_confirm", time.Hour, 10*time.Minute, func(ctx context.Context) error {
			_, err := taskService.AutoConfirmExpired(ctx)
			return err
		})
		sched.Register("transfer_retry_sweep", 5*time.Minute, 4*time.Minute, func(ctx context.Context) error {
			return escrowService.RetrySweep(ctx)
		})
		sched.Register("transfer_timeout_reconcile", time.Hour, 10*time.Minute, func(ctx context.Context) error {
			return escrowService.TimeoutReconcile(ctx)
		})
		sched.Register("cs_queue_dispatch", 30*time.Second, 25*time.Second, func(ctx context.Context) error {
			return csChatService.DispatchQueue(ctx)
		})
		sched.Register("cs_timeout_warning", 30*time.Second, 25*time.Second, func(ctx context.Context) error {
			_, err := csChatService.WarnIdleChats(ctx)
			return err
		})
		sched.Register("cs_auto_end_idle", 30*time.Second, 25*time.Second, func(ctx context.Context) error {
			_, err := csChatService.AutoEndIdleChats(ctx)
			return err
		})
		sched.Register("daily_cleanup", 24*time.Hour, time.Hour, func(ctx context.Context) error {
			cleanupService.DailyCleanup(ctx)
			return nil
		})
		sched.Start()
		defer sched.Stop()
	}

	readOnly := middleware.NewReadOnlyFlag(cfg.ReadOnlyMode)
	cookieMaxAge := int(cfg.ServiceSessionTTL.Seconds())

	// HTTP хэндлеры.
	authHandler := httpHandlers.NewAuthHandler(authService, cfg.CookieSecure, cookieMaxAge)
	taskHandler := httpHandlers.NewTaskHandler(taskService)
	paymentHandler := httpHandlers.NewPaymentHandler(escrowService)
	disputeHandler := httpHandlers.NewDisputeHandler(disputeService)
	chatHandler := httpHandlers.NewChatHandler(chatService)
	csChatHandler := httpHandlers.NewCSChatHandler(csChatService)
	notificationHandler := httpHandlers.NewNotificationHandler(notificationService)
	mediaHandler := httpHandlers.NewMediaHandler(mediaStorage)
	wsHandler := httpHandlers.NewWSHandler(hub, sessions, authService)
	adminHandler := httpHandlers.NewAdminHandler(taskService, sched, readOnly)
	healthHandler := httpHandlers.NewHealthHandler(dbConn, rdb)

	// Роутер.
	engine := httpRouter.SetupRouter(cfg, sessions, authService, readOnly,
		authHandler, taskHandler, paymentHandler, disputeHandler,
		chatHandler, csChatHandler, notificationHandler, mediaHandler,
		wsHandler, adminHandler, healthHandler)

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: engine,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("main: ошибка остановки http сервера: %v", err)
		}
	}()

	log.Printf("main: HTTP сервер запущен на порту %s", cfg.HTTPPort)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("main: сервер завершился с ошибкой: %v", err)
	}
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Printf("main: ошибка закрытия базы: %v", err)
	}
}
