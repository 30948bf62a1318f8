package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/unitask/unitask-backend/internal/db"
	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/psp"
	"github.com/unitask/unitask-backend/internal/repository"
)

// retryDelays — расписание повторов перевода, секунды.
var retryDelays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	14400 * time.Second,
	86400 * time.Second,
}

const webhookDedupTTL = 24 * time.Hour

// PaymentStore — порт хранилища переводов и возвратов.
type PaymentStore interface {
	DB() *sqlx.DB
	CreateTransfer(ctx context.Context, q repository.Queryer, t *models.PaymentTransfer) error
	GetTransferByID(ctx context.Context, q repository.Queryer, id int64) (*models.PaymentTransfer, error)
	GetTransferForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*models.PaymentTransfer, error)
	GetTransferByExternalID(ctx context.Context, q repository.Queryer, transferID string) (*models.PaymentTransfer, error)
	GetSucceededTransferByTask(ctx context.Context, q repository.Queryer, taskID int64) (*models.PaymentTransfer, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.PaymentTransfer, error)
	ListStaleDispatched(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentTransfer, error)
	SetDispatched(ctx context.Context, q repository.Queryer, id int64, transferID string) error
	MarkRetrying(ctx context.Context, q repository.Queryer, id int64, retryCount int, nextRetryAt time.Time, lastError string) error
	MarkSucceeded(ctx context.Context, q repository.Queryer, id int64, at time.Time) error
	MarkFailed(ctx context.Context, q repository.Queryer, id int64, lastError string) error
	CreateRefundRequest(ctx context.Context, q repository.Queryer, rr *models.RefundRequest) error
	CompleteRefundRequest(ctx context.Context, q repository.Queryer, id int64, refundID string, at time.Time) error
	FailRefundRequest(ctx context.Context, q repository.Queryer, id int64, comment string) error
}

// EscrowTaskStore — срез хранилища задач, нужный движку эскроу.
type EscrowTaskStore interface {
	GetByID(ctx context.Context, q repository.Queryer, id int64) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Task, error)
	SetPaymentIntent(ctx context.Context, q repository.Queryer, id int64, intentID string) error
	MarkPaid(ctx context.Context, q repository.Queryer, id int64, intentID string, amount decimal.Decimal, newStatus string) (bool, error)
	MarkConfirmed(ctx context.Context, q repository.Queryer, id int64, paidToUserID string, auto bool, at time.Time) error
	AppendHistory(ctx context.Context, q repository.Queryer, h *models.TaskHistory) error
}

// EscrowService — движок эскроу: оплата задач, переводы исполнителям с
// повторами, сверка по вебхукам.
type EscrowService struct {
	payments PaymentStore
	tasks    EscrowTaskStore
	users    UserStore
	provider psp.Provider
	notify   Notifier
	rdb      *redis.Client
	now      idgen.Clock
}

// NewEscrowService создаёт новый экземпляр.
func NewEscrowService(payments PaymentStore, tasks EscrowTaskStore, users UserStore, provider psp.Provider, notify Notifier, rdb *redis.Client) *EscrowService {
	return &EscrowService{
		payments: payments,
		tasks:    tasks,
		users:    users,
		provider: provider,
		notify:   notify,
		rdb:      rdb,
		now:      idgen.UTCNow,
	}
}

// SetClock подменяет источник времени в тестах.
func (s *EscrowService) SetClock(now idgen.Clock) { s.now = now }

// PayTask создаёт платёжное намерение на эффективную сумму задачи.
func (s *EscrowService) PayTask(ctx context.Context, posterID string, taskID int64) (*psp.PaymentIntent, error) {
	task, err := s.tasks.GetByID(ctx, s.payments.DB(), taskID)
	if err != nil {
		return nil, err
	}
	if task.PosterID != posterID {
		return nil, apperror.New(apperror.ErrCodeForbidden, "only the poster may pay for the task")
	}
	if task.IsPaid {
		return nil, apperror.New(apperror.ErrCodeConflict, "task is already paid")
	}
	if task.Status != models.TaskStatusPendingPayment && task.Status != models.TaskStatusTaken {
		return nil, apperror.New(apperror.ErrCodePrecondition, "task is not awaiting payment")
	}
	amount := task.EffectiveReward()
	if !amount.IsPositive() {
		return nil, apperror.New(apperror.ErrCodeBadRequest, "task has nothing to pay")
	}

	intent, err := s.provider.CreatePaymentIntent(ctx, psp.CreateIntentParams{
		Amount:   amount,
		Currency: task.Currency,
		TaskID:   taskID,
		PosterID: posterID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.tasks.SetPaymentIntent(ctx, s.payments.DB(), taskID, intent.ID); err != nil {
		return nil, err
	}
	return intent, nil
}

// CreateTransferRecord пишет запись перевода в транзакции вызывающего.
func (s *EscrowService) CreateTransferRecord(ctx context.Context, q repository.Queryer, task *models.Task) (*models.PaymentTransfer, error) {
	if !task.HasTaker() {
		return nil, apperror.New(apperror.ErrCodePrecondition, "task has no taker to pay")
	}
	meta := fmt.Sprintf(`{"task_id":%d,"type":"task_reward"}`, task.ID)
	t := &models.PaymentTransfer{
		TaskID:        task.ID,
		TakerID:       *task.TakerID,
		PosterID:      task.PosterID,
		Amount:        task.EscrowAmount,
		Currency:      task.Currency,
		Status:        models.TransferStatusPending,
		MaxRetries:    len(retryDelays),
		ExtraMetadata: &meta,
	}
	if err := s.payments.CreateTransfer(ctx, q, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ExecuteTransferAsync исполняет перевод в фоне после коммита
// транзакции подтверждения.
func (s *EscrowService) ExecuteTransferAsync(transferID int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.ExecuteTransfer(ctx, transferID); err != nil {
			logger.Log.WithField("transfer_id", transferID).WithError(err).Warn("перевод не исполнен, уйдёт в повтор")
		}
	}()
}

// ExecuteTransfer исполняет один перевод. Любая ошибка PSP переводит
// запись в retrying; в failed её переводит только воркер, исчерпав
// попытки.
func (s *EscrowService) ExecuteTransfer(ctx context.Context, transferID int64) error {
	return db.WithTx(ctx, s.payments.DB(), func(tx *sqlx.Tx) error {
		transfer, err := s.payments.GetTransferForUpdate(ctx, tx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status == models.TransferStatusSucceeded || transfer.Status == models.TransferStatusFailed {
			return nil
		}
		// Уже отправлен, ждём вебхук.
		if transfer.TransferID != nil {
			return nil
		}

		task, err := s.tasks.GetByID(ctx, tx, transfer.TaskID)
		if err != nil {
			return err
		}
		// Подтверждённая задача с нулевым эскроу значит, что другой
		// перевод уже прошёл: завершаем идемпотентно.
		if task.IsConfirmed && task.EscrowAmount.IsZero() {
			if prev, err := s.payments.GetSucceededTransferByTask(ctx, tx, transfer.TaskID); err == nil && prev.ID != transfer.ID {
				return s.payments.MarkFailed(ctx, tx, transfer.ID, "superseded by succeeded transfer")
			}
			return nil
		}

		taker, err := s.users.GetByID(ctx, transfer.TakerID)
		if err != nil {
			return err
		}
		if taker.ConnectAccountID == nil || *taker.ConnectAccountID == "" {
			return s.scheduleRetry(ctx, tx, transfer, "taker has no connect account")
		}
		account, err := s.provider.GetAccount(ctx, *taker.ConnectAccountID)
		if err != nil {
			return s.scheduleRetry(ctx, tx, transfer, err.Error())
		}
		if !account.Onboarded() {
			return s.scheduleRetry(ctx, tx, transfer, "connect account not fully onboarded")
		}

		ext, err := s.provider.CreateTransfer(ctx, psp.TransferParams{
			Amount:      transfer.Amount,
			Currency:    transfer.Currency,
			Destination: *taker.ConnectAccountID,
			TaskID:      transfer.TaskID,
			TransferRef: transfer.ID,
		})
		if err != nil {
			return s.scheduleRetry(ctx, tx, transfer, err.Error())
		}
		return s.payments.SetDispatched(ctx, tx, transfer.ID, ext.ID)
	})
}

// scheduleRetry переводит запись в retrying либо в failed, если
// попытки исчерпаны.
func (s *EscrowService) scheduleRetry(ctx context.Context, q repository.Queryer, transfer *models.PaymentTransfer, reason string) error {
	retryCount := transfer.RetryCount + 1
	if retryCount >= transfer.MaxRetries {
		logger.Log.WithFields(logrus.Fields{
			"transfer_id": transfer.ID,
			"task_id":     transfer.TaskID,
		}).Error("перевод терминально провален: попытки исчерпаны")
		return s.payments.MarkFailed(ctx, q, transfer.ID, reason)
	}
	idx := retryCount - 1
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	nextAt := s.now().Add(retryDelays[idx])
	return s.payments.MarkRetrying(ctx, q, transfer.ID, retryCount, nextAt, reason)
}

// RetrySweep исполняет назревшие переводы; вызывается планировщиком
// каждые 5 минут.
func (s *EscrowService) RetrySweep(ctx context.Context) error {
	due, err := s.payments.ListDue(ctx, s.now(), 100)
	if err != nil {
		return err
	}
	var processed, failed int
	for _, t := range due {
		processed++
		if err := s.ExecuteTransfer(ctx, t.ID); err != nil {
			failed++
			logger.Log.WithField("transfer_id", t.ID).WithError(err).Warn("повтор перевода не удался")
		}
	}
	if processed > 0 {
		logger.Log.WithFields(logrus.Fields{
			"processed": processed,
			"failed":    failed,
		}).Info("свип повторов переводов завершён")
	}
	return nil
}

// TimeoutReconcile сверяет отправленные переводы без вебхука старше
// 24 часов напрямую с PSP; вызывается планировщиком раз в час.
func (s *EscrowService) TimeoutReconcile(ctx context.Context) error {
	cutoff := s.now().Add(-24 * time.Hour)
	stale, err := s.payments.ListStaleDispatched(ctx, cutoff, 100)
	if err != nil {
		return err
	}
	for _, t := range stale {
		ext, err := s.provider.GetTransfer(ctx, *t.TransferID)
		if err != nil {
			logger.Log.WithField("transfer_id", t.ID).WithError(err).Warn("сверка перевода не удалась")
			continue
		}
		switch ext.Status {
		case "reversed":
			if err := s.payments.MarkFailed(ctx, s.payments.DB(), t.ID, "transfer reversed at provider"); err != nil {
				return err
			}
		case "succeeded":
			if err := s.settleTransfer(ctx, t.ID); err != nil {
				return err
			}
		default:
			if err := s.payments.MarkRetrying(ctx, s.payments.DB(), t.ID, t.RetryCount, s.now(), "no webhook received"); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleWebhook верифицирует подпись и применяет событие PSP.
// Идемпотентность по event id: повторная доставка не применяется.
func (s *EscrowService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.provider.VerifyWebhook(payload, signature)
	if err != nil {
		return err
	}

	// SET NX по id события: второй экземпляр того же вебхука выходит
	// сразу. При недоступном Redis полагаемся на идемпотентность
	// самих write-back'ов.
	dedupKey := "webhook_event:" + event.ID
	claimed := false
	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, dedupKey, 1, webhookDedupTTL).Result()
		if err == nil && !ok {
			logger.Log.WithField("event_id", event.ID).Debug("повторная доставка вебхука пропущена")
			return nil
		}
		claimed = err == nil
	}

	// Помеченным событие остаётся только после успешной обработки:
	// сбой освобождает ключ, и повторная доставка PSP доведёт событие.
	if err := s.applyEvent(ctx, event); err != nil {
		if claimed {
			_ = s.rdb.Del(ctx, dedupKey).Err()
		}
		return err
	}
	return nil
}

func (s *EscrowService) applyEvent(ctx context.Context, event *psp.Event) error {
	switch event.Type {
	case "payment_intent.succeeded":
		return s.onPaymentSucceeded(ctx, event.Data)
	case "transfer.paid":
		return s.onTransferSettled(ctx, event.Data)
	case "transfer.updated":
		return s.onTransferUpdated(ctx, event.Data)
	case "transfer.failed", "transfer.reversed":
		return s.onTransferFailed(ctx, event.Data)
	default:
		logger.Log.WithField("type", event.Type).Debug("вебхук без обработчика")
		return nil
	}
}

type intentEvent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Metadata struct {
		TaskID string `json:"task_id"`
	} `json:"metadata"`
}

// onPaymentSucceeded фиксирует поступление средств в эскроу.
func (s *EscrowService) onPaymentSucceeded(ctx context.Context, data json.RawMessage) error {
	var ev intentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("escrow: decode intent event: %w", err)
	}
	taskID, err := strconv.ParseInt(ev.Metadata.TaskID, 10, 64)
	if err != nil {
		return fmt.Errorf("escrow: intent without task_id metadata: %w", err)
	}
	amount := decimal.New(ev.Amount, -2)

	return db.WithTx(ctx, s.payments.DB(), func(tx *sqlx.Tx) error {
		task, err := s.tasks.GetByIDForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		newStatus := task.Status
		if task.Status == models.TaskStatusPendingPayment || task.Status == models.TaskStatusTaken {
			newStatus = models.TaskStatusInProgress
		}
		applied, err := s.tasks.MarkPaid(ctx, tx, taskID, ev.ID, amount, newStatus)
		if err != nil {
			return err
		}
		if !applied {
			// Повторный вебхук либо чужой intent: строка не тронута.
			return nil
		}
		if err := s.tasks.AppendHistory(ctx, tx, &models.TaskHistory{
			TaskID: taskID,
			Action: "payment_received",
			Remark: ev.ID,
		}); err != nil {
			return err
		}
		ns := []*models.Notification{
			taskNotification(task.PosterID, "payment_received",
				"Оплата получена", "Payment received",
				fmt.Sprintf("Средства по задаче «%s» зачислены в эскроу", task.Title),
				fmt.Sprintf("Funds for \"%s\" are now in escrow", task.Title),
				taskID),
		}
		if task.HasTaker() {
			ns = append(ns, taskNotification(*task.TakerID, "payment_received",
				"Задача оплачена", "Task paid",
				fmt.Sprintf("Задача «%s» оплачена, можно приступать", task.Title),
				fmt.Sprintf("\"%s\" is paid, you may start working", task.Title),
				taskID))
		}
		return s.notify.NotifyBatch(ctx, tx, ns)
	})
}

type transferEvent struct {
	ID             string `json:"id"`
	Reversed       bool   `json:"reversed"`
	AmountReversed int64  `json:"amount_reversed"`
}

// onTransferSettled помечает перевод успешным и подтверждает задачу.
func (s *EscrowService) onTransferSettled(ctx context.Context, data json.RawMessage) error {
	var ev transferEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("escrow: decode transfer event: %w", err)
	}
	transfer, err := s.payments.GetTransferByExternalID(ctx, s.payments.DB(), ev.ID)
	if err != nil {
		if err == repository.ErrTransferNotFound {
			logger.Log.WithField("external_id", ev.ID).Warn("вебхук по неизвестному переводу")
			return nil
		}
		return err
	}
	return s.settleTransfer(ctx, transfer.ID)
}

// onTransferUpdated различает успех и разворот: transfer.updated
// приходит и при (частичном) reversal, такой перевод успешным не
// считается.
func (s *EscrowService) onTransferUpdated(ctx context.Context, data json.RawMessage) error {
	var ev transferEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("escrow: decode transfer event: %w", err)
	}
	if ev.Reversed || ev.AmountReversed > 0 {
		return s.onTransferFailed(ctx, data)
	}
	return s.onTransferSettled(ctx, data)
}

// settleTransfer атомарно финализирует перевод и задачу.
func (s *EscrowService) settleTransfer(ctx context.Context, transferID int64) error {
	return db.WithTx(ctx, s.payments.DB(), func(tx *sqlx.Tx) error {
		transfer, err := s.payments.GetTransferForUpdate(ctx, tx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status == models.TransferStatusSucceeded {
			return nil
		}
		now := s.now()
		if err := s.payments.MarkSucceeded(ctx, tx, transfer.ID, now); err != nil {
			return err
		}
		if err := s.tasks.MarkConfirmed(ctx, tx, transfer.TaskID, transfer.TakerID, false, now); err != nil {
			return err
		}
		return s.notify.Notify(ctx, tx, taskNotification(
			transfer.TakerID, "reward_paid",
			"Вознаграждение переведено", "Reward transferred",
			"Вознаграждение за задачу переведено на ваш счёт",
			"Your task reward was transferred to your account",
			transfer.TaskID,
		))
	})
}

// onTransferFailed пишет терминальный провал по событию провайдера.
func (s *EscrowService) onTransferFailed(ctx context.Context, data json.RawMessage) error {
	var ev transferEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("escrow: decode transfer event: %w", err)
	}
	transfer, err := s.payments.GetTransferByExternalID(ctx, s.payments.DB(), ev.ID)
	if err != nil {
		if err == repository.ErrTransferNotFound {
			return nil
		}
		return err
	}
	if err := s.payments.MarkFailed(ctx, s.payments.DB(), transfer.ID, "failure webhook from provider"); err != nil {
		return err
	}
	logger.Log.WithFields(logrus.Fields{
		"transfer_id": transfer.ID,
		"task_id":     transfer.TaskID,
	}).Error("перевод провален по событию провайдера, требуется вмешательство оператора")
	return s.notify.Notify(ctx, s.payments.DB(), taskNotification(
		transfer.PosterID, "transfer_failed",
		"Сбой перевода", "Transfer failed",
		"Перевод исполнителю не прошёл, поддержка уже уведомлена",
		"The payout to the taker failed, support has been alerted",
		transfer.TaskID,
	))
}

// ExecuteRefund проводит возврат по payment intent задачи. Используется
// движком споров внутри его транзакции.
func (s *EscrowService) ExecuteRefund(ctx context.Context, task *models.Task, amount decimal.Decimal, reason string) (*psp.Refund, error) {
	if task.PaymentIntentID == nil || *task.PaymentIntentID == "" {
		return nil, apperror.New(apperror.ErrCodePrecondition, "task has no payment to refund")
	}
	refund, err := s.provider.CreateRefund(ctx, psp.RefundParams{
		PaymentIntentID: *task.PaymentIntentID,
		Amount:          amount,
		Reason:          reason,
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}
