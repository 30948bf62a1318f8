package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/unitask/unitask-backend/internal/cache"
	"github.com/unitask/unitask-backend/internal/db"
	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/repository"
)

const (
	// paymentTimeout — срок, после которого неоплаченное одобрение
	// откатывается и задача возвращается в open.
	paymentTimeout = 24 * time.Hour
	// autoConfirmAfter — срок ожидания подтверждения автором, после
	// которого задача подтверждается автоматически.
	autoConfirmAfter = 7 * 24 * time.Hour

	taskDetailTTL = 5 * time.Minute
	taskListTTL   = time.Minute
)

// TaskStore — порт хранилища задач и откликов.
type TaskStore interface {
	DB() *sqlx.DB
	GetByID(ctx context.Context, q repository.Queryer, id int64) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Task, error)
	Create(ctx context.Context, task *models.Task) error
	UpdateStatus(ctx context.Context, q repository.Queryer, id int64, status string) error
	AssignTaker(ctx context.Context, q repository.Queryer, id int64, takerID, status string, agreedReward *decimal.Decimal, acceptedAt time.Time) error
	ClearTaker(ctx context.Context, q repository.Queryer, id int64) error
	SetCompleted(ctx context.Context, q repository.Queryer, id int64, at time.Time) error
	MarkConfirmed(ctx context.Context, q repository.Queryer, id int64, paidToUserID string, auto bool, at time.Time) error
	AdjustParticipants(ctx context.Context, q repository.Queryer, id int64, delta int) error
	RestoreListing(ctx context.Context, q repository.Queryer, listingID int64) error
	List(ctx context.Context, filter repository.TaskFilter) ([]models.Task, error)
	ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]int64, error)
	ListStalePendingPayment(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	ListExpiredConfirmation(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	CreateApplication(ctx context.Context, q repository.Queryer, app *models.TaskApplication) error
	GetApplication(ctx context.Context, q repository.Queryer, id int64) (*models.TaskApplication, error)
	GetActiveApplication(ctx context.Context, q repository.Queryer, taskID int64, applicantID string) (*models.TaskApplication, error)
	ListApplications(ctx context.Context, taskID int64) ([]models.TaskApplication, error)
	UpdateApplicationStatus(ctx context.Context, q repository.Queryer, id int64, status string) error
	RejectPendingApplications(ctx context.Context, q repository.Queryer, taskID, exceptID int64) ([]models.TaskApplication, error)
	AppendHistory(ctx context.Context, q repository.Queryer, h *models.TaskHistory) error
	AppendNegotiationLog(ctx context.Context, q repository.Queryer, l *models.NegotiationResponseLog) error
}

// UserStore — порт чтения пользователей.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// Notifier — порт шины уведомлений.
type Notifier interface {
	Notify(ctx context.Context, q repository.Queryer, n *models.Notification) error
	NotifyBatch(ctx context.Context, q repository.Queryer, ns []*models.Notification) error
}

// EmailSender — порт асинхронной почты.
type EmailSender interface {
	SendAsync(toEmail, toName, subject, plainText, htmlBody string)
}

// TransferEngine — порт движка эскроу: запись перевода создаётся в
// транзакции подтверждения, исполняется уже после коммита.
type TransferEngine interface {
	CreateTransferRecord(ctx context.Context, q repository.Queryer, task *models.Task) (*models.PaymentTransfer, error)
	ExecuteTransferAsync(transferID int64)
}

// TaskService реализует машину состояний задачи.
type TaskService struct {
	tasks  TaskStore
	users  UserStore
	notify Notifier
	mailer EmailSender
	escrow TransferEngine
	tokens *NegotiationTokenStore
	cache  *cache.Cache
	now    idgen.Clock
}

// NewTaskService создаёт новый экземпляр.
func NewTaskService(tasks TaskStore, users UserStore, notify Notifier, mailer EmailSender, escrow TransferEngine, tokens *NegotiationTokenStore, c *cache.Cache) *TaskService {
	return &TaskService{
		tasks:  tasks,
		users:  users,
		notify: notify,
		mailer: mailer,
		escrow: escrow,
		tokens: tokens,
		cache:  c,
		now:    idgen.UTCNow,
	}
}

// SetClock подменяет источник времени в тестах.
func (s *TaskService) SetClock(now idgen.Clock) { s.now = now }

// CreateTaskInput — параметры создания задачи.
type CreateTaskInput struct {
	Title              string
	Description        string
	TaskType           string
	Location           string
	Latitude           *float64
	Longitude          *float64
	Reward             decimal.Decimal
	Currency           string
	Deadline           *time.Time
	IsFlexible         bool
	Images             []string
	TaskLevel          string
	IsPublic           bool
	IsMultiParticipant bool
	MaxParticipants    int
	MinParticipants    int
	SoldTaskID         *int64
}

// CreateTask создаёт задачу в статусе open.
func (s *TaskService) CreateTask(ctx context.Context, posterID string, in CreateTaskInput) (*models.Task, error) {
	if in.Title == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "title is required")
	}
	if in.Deadline == nil && !in.IsFlexible {
		return nil, apperror.New(apperror.ErrCodeValidation, "deadline is required for non-flexible tasks")
	}
	if in.Reward.IsNegative() {
		return nil, apperror.New(apperror.ErrCodeValidation, "reward must not be negative")
	}
	if in.TaskLevel == "" {
		in.TaskLevel = models.LevelNormal
	}

	reward := in.Reward
	task := &models.Task{
		PosterID:           posterID,
		Title:              in.Title,
		Description:        in.Description,
		TaskType:           in.TaskType,
		Location:           in.Location,
		Latitude:           in.Latitude,
		Longitude:          in.Longitude,
		Reward:             reward,
		BaseReward:         &reward,
		Currency:           in.Currency,
		Deadline:           in.Deadline,
		IsFlexible:         in.IsFlexible,
		Images:             in.Images,
		Status:             models.TaskStatusOpen,
		TaskLevel:          in.TaskLevel,
		IsPublic:           in.IsPublic,
		IsMultiParticipant: in.IsMultiParticipant,
		MaxParticipants:    in.MaxParticipants,
		MinParticipants:    in.MinParticipants,
		SoldTaskID:         in.SoldTaskID,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	s.invalidate(ctx, task)
	return task, nil
}

// GetTask возвращает задачу, используя кэш деталей.
func (s *TaskService) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	key := cache.Key("task_detail", strconv.FormatInt(id, 10))
	if s.cache != nil {
		var cached models.Task
		if s.cache.Get(ctx, key, &cached) {
			return &cached, nil
		}
	}
	task, err := s.tasks.GetByID(ctx, s.tasks.DB(), id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, task, taskDetailTTL)
	}
	return task, nil
}

// ListTasks возвращает листинг с версионированным кэшем: инвалидация
// всего неймспейса сводится к инкременту версии.
func (s *TaskService) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]models.Task, error) {
	if s.cache == nil {
		return s.tasks.List(ctx, filter)
	}
	key := s.cache.VersionedKey(ctx, "tasks:list",
		filter.TaskType, filter.Status, filter.Keyword, filter.PosterID, filter.Sort,
		strconv.Itoa(filter.Limit), strconv.Itoa(filter.Offset))

	var tasks []models.Task
	err := s.cache.GetOrSet(ctx, key, taskListTTL, &tasks, func() (interface{}, error) {
		return s.tasks.List(ctx, filter)
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListApplications возвращает отклики задачи. Доступно только автору.
func (s *TaskService) ListApplications(ctx context.Context, actorID string, taskID int64) ([]models.TaskApplication, error) {
	task, err := s.tasks.GetByID(ctx, s.tasks.DB(), taskID)
	if err != nil {
		return nil, err
	}
	if task.PosterID != actorID {
		return nil, apperror.New(apperror.ErrCodeForbidden, "only the task poster can view applications")
	}
	return s.tasks.ListApplications(ctx, taskID)
}

// ApplyForTask создаёт отклик. Повторный отклик той же пары
// (задача, заявитель) идемпотентно возвращает существующий.
func (s *TaskService) ApplyForTask(ctx context.Context, applicantID string, taskID int64, message string, negotiatedPrice *decimal.Decimal, currency *string) (*models.TaskApplication, error) {
	applicant, err := s.users.GetByID(ctx, applicantID)
	if err != nil {
		return nil, err
	}

	var app *models.TaskApplication
	var task *models.Task
	err = db.WithTx(ctx, s.tasks.DB(), func(tx *sqlx.Tx) error {
		task, err = s.tasks.GetByIDForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.PosterID == applicantID {
			return apperror.New(apperror.ErrCodeForbidden, "cannot apply for own task")
		}
		joinable := task.Status == models.TaskStatusOpen ||
			(task.Status == models.TaskStatusTaken && task.IsMultiParticipant)
		if !joinable {
			return apperror.New(apperror.ErrCodeBadRequest, "task is not accepting applications")
		}
		if models.LevelRank(applicant.Level) < models.LevelRank(task.TaskLevel) {
			return apperror.New(apperror.ErrCodeForbidden, "user level too low for this task")
		}
		if currency != nil && task.Currency != "" && *currency != task.Currency {
			return apperror.New(apperror.ErrCodeValidation, "application currency does not match task currency")
		}

		if existing, err := s.tasks.GetActiveApplication(ctx, tx, taskID, applicantID); err == nil {
			app = existing
			return nil
		} else if err != repository.ErrApplicationNotFound {
			return err
		}

		app = &models.TaskApplication{
			TaskID:          taskID,
			ApplicantID:     applicantID,
			Status:          models.ApplicationStatusPending,
			Message:         message,
			NegotiatedPrice: negotiatedPrice,
			Currency:        currency,
		}
		if err := s.tasks.CreateApplication(ctx, tx, app); err != nil {
			return err
		}

		// Мягкий холд: первая заявка на одиночную задачу снимает её с
		// витрины до решения автора.
		if !task.IsMultiParticipant && !task.HasTaker() && task.Status == models.TaskStatusOpen {
			if err := s.tasks.UpdateStatus(ctx, tx, taskID, models.TaskStatusTaken); err != nil {
				return err
			}
		}

		return s.notify.Notify(ctx, tx, applicationNotification(
			task.PosterID, "new_application",
			"Новый отклик на задачу", "New application",
			fmt.Sprintf("Пользователь %s откликнулся на «%s»", applicant.Name, task.Title),
			fmt.Sprintf("%s applied for \"%s\"", applicant.Name, task.Title),
			app.ID,
		))
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, task)
	if poster, err := s.users.GetByID(ctx, task.PosterID); err == nil && poster.Email != nil {
		s.mailer.SendAsync(*poster.Email, poster.Name,
			"Новый отклик на вашу задачу",
			fmt.Sprintf("На задачу «%s» поступил новый отклик.", task.Title), "")
	}
	return app, nil
}

// AcceptApplication одобряет отклик под блокировкой строки задачи.
// Проигравший гонку второй accept получает конфликт.
func (s *TaskService) AcceptApplication(ctx context.Context, actorID string, taskID, applicationID int64) (*models.Task, error) {
	var task *models.Task
	var app *models.TaskApplication
	var rejected []models.TaskApplication

	err := db.WithTx(ctx, s.tasks.DB(), func(tx *sqlx.Tx) error {
		var err error
		task, err = s.tasks.GetByIDForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.PosterID != actorID {
			return apperror.New(apperror.ErrCodeForbidden, "only the poster may accept applications")
		}
		app, err = s.tasks.GetApplication(ctx, tx, applicationID)
		if err != nil {
			return err
		}
		if app.TaskID != taskID {
			return apperror.New(apperror.ErrCodeBadRequest, "application does not belong to this task")
		}
		if app.Status == models.ApplicationStatusApproved {
			return nil // идемпотентный повтор
		}
		if app.Status != models.ApplicationStatusPending {
			return apperror.New(apperror.ErrCodeBadRequest, "application is not pending")
		}
		if task.HasTaker() {
			return apperror.ErrTaskAlreadyTaken
		}

		// Оплаченная (или бесплатная) задача сразу уходит в работу,
		// иначе ждём оплаты автором.
		newStatus := models.TaskStatusPendingPayment
		if task.IsPaid || task.EffectiveReward().IsZero() {
			newStatus = models.TaskStatusInProgress
		}
		now := s.now()
		if err := s.tasks.AssignTaker(ctx, tx, taskID, app.ApplicantID, newStatus, app.NegotiatedPrice, now); err != nil {
			return err
		}
		task.TakerID = &app.ApplicantID
		task.Status = newStatus
		if app.NegotiatedPrice != nil {
			task.AgreedReward = app.NegotiatedPrice
		}

		if err := s.tasks.UpdateApplicationStatus(ctx, tx, app.ID, models.ApplicationStatusApproved); err != nil {
			return err
		}
		rejected, err = s.tasks.RejectPendingApplications(ctx, tx, taskID, app.ID)
		if err != nil {
			return err
		}
		if task.IsMultiParticipant {
			if err := s.tasks.AdjustParticipants(ctx, tx, taskID, 1); err != nil {
				return err
			}
		}

		if err := s.tasks.AppendHistory(ctx, tx, &models.TaskHistory{
			TaskID: taskID,
			UserID: &actorID,
			Action: "application_accepted",
			Remark: fmt.Sprintf("application %d", app.ID),
		}); err != nil {
			return err
		}
		if err := s.tasks.AppendNegotiationLog(ctx, tx, &models.NegotiationResponseLog{
			TaskID:          taskID,
			ApplicationID:   app.ID,
			UserID:          actorID,
			Action:          models.NegotiationActionAccept,
			NegotiatedPrice: app.NegotiatedPrice,
		}); err != nil {
			return err
		}

		ns := []*models.Notification{
			taskNotification(app.ApplicantID, "application_accepted",
				"Отклик одобрен", "Application accepted",
				fmt.Sprintf("Ваш отклик на «%s» одобрен", task.Title),
				fmt.Sprintf("Your application for \"%s\" was accepted", task.Title),
				taskID),
		}
		for _, rej := range rejected {
			ns = append(ns, taskNotification(rej.ApplicantID, "application_rejected",
				"Отклик отклонён", "Application rejected",
				fmt.Sprintf("Задача «%s» досталась другому исполнителю", task.Title),
				fmt.Sprintf("The task \"%s\" went to another taker", task.Title),
				taskID))
		}
		return s.notify.NotifyBatch(ctx, tx, ns)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, task)
	return task, nil
}

// SendCounterOffer шлёт заявителю контроффер автора и выпускает пару
// одноразовых токенов ответа.
func (s *TaskService) SendCounterOffer(ctx context.Context, actorID string, applicationID int64, price decimal.Decimal) error {
	app, err := s.tasks.GetApplication(ctx, s.tasks.DB(), applicationID)
	if err != nil {
		return err
	}
	task, err := s.tasks.GetByID(ctx, s.tasks.DB(), app.TaskID)
	if err != nil {
		return err
	}
	if task.PosterID != actorID {
		return apperror.New(apperror.ErrCodeForbidden, "only the poster may counter-offer")
	}
	if app.Status != models.ApplicationStatusPending {
		return apperror.New(apperror.ErrCodeBadRequest, "application is not pending")
	}
	if !price.IsPositive() {
		return apperror.New(apperror.ErrCodeValidation, "counter-offer price must be positive")
	}

	err = db.WithTx(ctx, s.tasks.DB(), func(tx *sqlx.Tx) error {
		if err := s.tasks.AppendNegotiationLog(ctx, tx, &models.NegotiationResponseLog{
			TaskID:          task.ID,
			ApplicationID:   app.ID,
			UserID:          actorID,
			Action:          models.NegotiationActionCounter,
			NegotiatedPrice: &price,
		}); err != nil {
			return err
		}
		return s.notify.Notify(ctx, tx, applicationNotification(
			app.ApplicantID, "counter_offer",
			"Встречное предложение", "Counter-offer",
			fmt.Sprintf("Автор задачи «%s» предложил цену %s", task.Title, price.String()),
			fmt.Sprintf("The poster of \"%s\" proposed %s", task.Title, price.String()),
			app.ID,
		))
	})
	if err != nil {
		return err
	}

	acceptToken, rejectToken, err := s.tokens.Issue(ctx, task.ID, app.ID, app.ApplicantID)
	if err != nil {
		return err
	}
	if applicant, err := s.users.GetByID(ctx, app.ApplicantID); err == nil && applicant.Email != nil {
		s.mailer.SendAsync(*applicant.Email, applicant.Name,
			"Встречное предложение по задаче",
			fmt.Sprintf("Новая цена: %s. Принять: /negotiation/respond?token=%s Отклонить: /negotiation/respond?token=%s",
				price.String(), acceptToken, rejectToken), "")
	}
	return nil
}

// RespondToNegotiation гасит токен ответа и применяет действие.
func (s *TaskService) RespondToNegotiation(ctx context.Context, token string, price *decimal.Decimal) error {
	claim, err := s.tokens.Consume(ctx, token)
	if err != nil {
		return err
	}

	switch claim.Action {
	case models.NegotiationActionAccept:
		return db.WithTx(ctx, s.tasks.DB(), func(tx *sqlx.Tx) error {
			app, err := s.tasks.GetApplication(ctx, tx, claim.ApplicationID)
			if err != nil {
				return err
			}
			if app.ApplicantID != claim.UserID {
				return apperror.New(apperror.ErrCodeForbidden, "token principal mismatch")
			}
			return s.tasks.AppendNegotiationLog(ctx, tx, &models.NegotiationResponseLog{
				TaskID:          claim.TaskID,
				ApplicationID:   claim.ApplicationID,
				UserID:          claim.UserID,
				Action:          models.NegotiationActionAccept,
				NegotiatedPrice: price,
			})
		})
	case models.NegotiationActionReject:
		return db.WithTx(ctx, s.tasks.DB(), func(tx *sqlx.Tx) error {
			if err := s.tasks.UpdateApplicationStatus(ctx, tx, claim.ApplicationID, models.ApplicationStatusRejected); err != nil {
				return err
			}
			return s.tasks.AppendNegotiationLog(ctx, tx, &models.NegotiationResponseLog{
				TaskID:        claim.TaskID,
				ApplicationID: claim.ApplicationID,
				UserID:        claim.UserID,
				Action:        models.NegotiationActionReject,
			})
		})
	default:
		return apperror.New(apperror.ErrCodeBadRequest, "unknown negotiation action")
	}
}

// CancelTask отменяет задачу согласно матрице авторизации.
func (s *TaskService) CancelTask(ctx context.Context, actorID string, isAdmin bool, taskID int64, reason string) error {
	var task *models.Task
	err := db.WithTx(ctx, s.tasks.DB(), func(tx *sqlx.Tx) error {
		var err error
		task, err = s.tasks.GetByIDForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}

		switch {
		case isAdmin:
			// админский ревью может отменить любой статус
		case actorID == task.PosterID:
			if task.Status != models.TaskStatusOpen && task.Status != models.TaskStatusPendingAcceptance && task.Status != models.TaskStatusTaken {
				return apperror.New(apperror.ErrCodePrecondition, "task cannot be cancelled in its current state")
			}
		case task.HasTaker() && *task.TakerID == actorID:
			if task.Status != models.TaskStatusPendingAcceptance {
				return apperror.New(apperror.ErrCodeForbidden, "taker may only decline a pending acceptance")
			}
		default:
			return apperror.New(apperror.ErrCodeForbidden, "not a participant of this task")
		}

		if err := s.cancelLocked(ctx, tx, task, &actorID, reason); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, task)
	return nil
}

// cancelLocked выполняет отмену уже заблокированной задачи: статус,
// освобождение мест, возврат товара барахолки, отклонение откликов.
func (s *TaskService) cancelLocked(ctx context.Context, tx *sqlx.Tx, task *models.Task, actorID *string, reason string) error {
	if err := s.tasks.UpdateStatus(ctx, tx, task.ID, models.TaskStatusCancelled); err != nil {
		return err
	}
	if task.CurrentParticipants > 0 {
		if err := s.tasks.AdjustParticipants(ctx, tx, task.ID, -task.CurrentParticipants); err != nil {
			return err
		}
	}
	if task.SoldTaskID != nil {
		if err := s.tasks.RestoreListing(ctx, tx, *task.SoldTaskID); err != nil {
			return err
		}
	}
	rejected, err := s.tasks.RejectPendingApplications(ctx, tx, task.ID, 0)
	if err != nil {
		return err
	}
	if err := s.tasks.AppendHistory(ctx, tx, &models.TaskHistory{
		TaskID: task.ID,
		UserID: actorID,
		Action: "task_cancelled",
		Remark: reason,
	}); err != nil {
		return err
	}

	var ns []*models.Notification
	for _, rej := range rejected {
		ns = append(ns, taskNotification(rej.ApplicantID, "task_cancelled",
			"Задача отменена", "Task cancelled",
			fmt.Sprintf("Задача «%s» отменена", task.Title),
			fmt.Sprintf("The task \"%s\" was cancelled", task.Title),
			task.ID))
	}
	if task.HasTaker() {
		ns = append(ns, taskNotification(*task.TakerID, "task_cancelled",
			"Задача отменена", "Task cancelled",
			fmt.Sprintf("Задача «%s» отменена", task.Title),
			fmt.Sprintf("The task \"%s\" was cancelled", task.Title),
			task.ID))
	}
	if len(ns) == 0 {
		return nil
	}
	return s.notify.NotifyBatch(ctx, tx, ns)
}

// MarkDone переводит задачу в ожидание подтверждения автором.
func (s *TaskService) MarkDone(ctx context.Context, actorID string, taskID int64) error {
	var task *models.Task
	err := db.WithTx(ctx, s.tasks.DB(), func(tx *sqlx.Tx) error {
		var err error
		task, err = s.tasks.GetByIDForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !task.HasTaker() || *task.TakerID != actorID {
			return apperror.New(apperror.ErrCodeForbidden, "only the taker may mark the task done")
		}
		if task.Status != models.TaskStatusInProgress {
			return apperror.New(apperror.ErrCodePrecondition, "task is not in progress")
		}
		if err := s.tasks.UpdateStatus(ctx, tx, taskID, models.TaskStatusPendingConfirmation); err != nil {
			return err
		}
		if err := s.tasks.AppendHistory(ctx, tx, &models.TaskHistory{
			TaskID: taskID,
			UserID: &actorID,
			Action: "marked_done",
		}); err != nil {
			return err
		}
		return s.notify.Notify(ctx, tx, taskNotification(
			task.PosterID, "task_pending_confirmation",
			"Задача выполнена", "Task marked done",
			fmt.Sprintf("Исполнитель отметил «%s» выполненной, подтвердите", task.Title),
			fmt.Sprintf("The taker marked \"%s\" done, please confirm", task.Title),
			taskID,
		))
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, task)
	return nil
}

// ConfirmCompletion подтверждает выполнение. Запись перевода создаётся
// в той же транзакции; сам вызов PSP уходит после коммита.
func (s *TaskService) ConfirmCompletion(ctx context.Context, actorID string, taskID int64) error {
	return s.confirm(ctx, &actorID, taskID, false)
}

func (s *TaskService) confirm(ctx context.Context, actorID *string, taskID int64, auto bool) error {
	var task *models.Task
	var transfer *models.PaymentTransfer

	err := db.WithTx(ctx, s.tasks.DB(), func(tx *sqlx.Tx) error {
		var err error
		task, err = s.tasks.GetByIDForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !auto && (actorID == nil || *actorID != task.PosterID) {
			return apperror.New(apperror.ErrCodeForbidden, "only the poster may confirm completion")
		}
		if task.Status != models.TaskStatusPendingConfirmation {
			return apperror.New(apperror.ErrCodePrecondition, "task is not pending confirmation")
		}

		now := s.now()
		if err := s.tasks.SetCompleted(ctx, tx, taskID, now); err != nil {
			return err
		}

		if task.HasTaker() && task.EscrowAmount.IsPositive() {
			transfer, err = s.escrow.CreateTransferRecord(ctx, tx, task)
			if err != nil {
				return err
			}
		} else {
			// Нечего переводить: подтверждаем сразу.
			paidTo := ""
			if task.HasTaker() {
				paidTo = *task.TakerID
			}
			if err := s.tasks.MarkConfirmed(ctx, tx, taskID, paidTo, auto, now); err != nil {
				return err
			}
		}

		action := "confirmed"
		if auto {
			action = "auto_confirmed"
		}
		if err := s.tasks.AppendHistory(ctx, tx, &models.TaskHistory{
			TaskID: taskID,
			UserID: actorID,
			Action: action,
		}); err != nil {
			return err
		}
		if !task.HasTaker() {
			return nil
		}
		return s.notify.Notify(ctx, tx, taskNotification(
			*task.TakerID, "task_confirmed",
			"Выполнение подтверждено", "Completion confirmed",
			fmt.Sprintf("Задача «%s» подтверждена, вознаграждение в пути", task.Title),
			fmt.Sprintf("\"%s\" was confirmed, your reward is on the way", task.Title),
			taskID,
		))
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, task)
	if transfer != nil {
		s.escrow.ExecuteTransferAsync(transfer.ID)
	}
	return nil
}

// invalidate сбрасывает кэши задачи после мутации.
func (s *TaskService) invalidate(ctx context.Context, task *models.Task) {
	if s.cache == nil || task == nil {
		return
	}
	s.cache.InvalidateTask(ctx, task.ID, task.PosterID)
	s.cache.BumpVersion(ctx, "tasks:list")
}
