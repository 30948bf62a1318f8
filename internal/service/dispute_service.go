package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/unitask/unitask-backend/internal/db"
	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/psp"
	"github.com/unitask/unitask-backend/internal/repository"
)

// DisputeStore — порт хранилища споров.
type DisputeStore interface {
	Create(ctx context.Context, q repository.Queryer, d *models.TaskDispute) error
	GetByID(ctx context.Context, q repository.Queryer, id int64) (*models.TaskDispute, error)
	GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*models.TaskDispute, error)
	GetPendingByTask(ctx context.Context, q repository.Queryer, taskID int64) (*models.TaskDispute, error)
	Resolve(ctx context.Context, q repository.Queryer, id int64, status, resolvedBy, note string, at time.Time) error
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]models.TaskDispute, error)
}

// DisputeTaskStore — срез хранилища задач для движка споров.
type DisputeTaskStore interface {
	GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Task, error)
	UpdateStatus(ctx context.Context, q repository.Queryer, id int64, status string) error
	SetCompleted(ctx context.Context, q repository.Queryer, id int64, at time.Time) error
	MarkConfirmed(ctx context.Context, q repository.Queryer, id int64, paidToUserID string, auto bool, at time.Time) error
	SetEscrowAmount(ctx context.Context, q repository.Queryer, id int64, amount decimal.Decimal) error
	AppendHistory(ctx context.Context, q repository.Queryer, h *models.TaskHistory) error
}

// Refunder — порт исполнения возвратов (реализуется движком эскроу).
type Refunder interface {
	ExecuteRefund(ctx context.Context, task *models.Task, amount decimal.Decimal, reason string) (*psp.Refund, error)
}

// DisputeService — движок споров. Резолюция атомарна: либо все
// изменения (задача, возврат, перевод, уведомления) коммитятся вместе,
// либо ничего.
type DisputeService struct {
	disputes DisputeStore
	tasks    DisputeTaskStore
	payments PaymentStore
	refunder Refunder
	escrow   TransferEngine
	notify   Notifier
	now      idgen.Clock
}

// NewDisputeService создаёт новый экземпляр.
func NewDisputeService(disputes DisputeStore, tasks DisputeTaskStore, payments PaymentStore, refunder Refunder, escrow TransferEngine, notify Notifier) *DisputeService {
	return &DisputeService{
		disputes: disputes,
		tasks:    tasks,
		payments: payments,
		refunder: refunder,
		escrow:   escrow,
		notify:   notify,
		now:      idgen.UTCNow,
	}
}

// SetClock подменяет источник времени в тестах.
func (s *DisputeService) SetClock(now idgen.Clock) { s.now = now }

// OpenDispute открывает спор по задаче в ожидании подтверждения.
func (s *DisputeService) OpenDispute(ctx context.Context, posterID string, taskID int64, reason string) (*models.TaskDispute, error) {
	if reason == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "dispute reason is required")
	}

	var dispute *models.TaskDispute
	err := db.WithTx(ctx, s.payments.DB(), func(tx *sqlx.Tx) error {
		task, err := s.tasks.GetByIDForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.PosterID != posterID {
			return apperror.New(apperror.ErrCodeForbidden, "only the poster may open a dispute")
		}
		if task.Status != models.TaskStatusPendingConfirmation {
			return apperror.New(apperror.ErrCodePrecondition, "dispute requires a task pending confirmation")
		}
		if _, err := s.disputes.GetPendingByTask(ctx, tx, taskID); err == nil {
			return apperror.New(apperror.ErrCodeConflict, "task already has a pending dispute")
		} else if err != repository.ErrDisputeNotFound {
			return err
		}

		dispute = &models.TaskDispute{
			TaskID:   taskID,
			PosterID: posterID,
			Reason:   reason,
			Status:   models.DisputeStatusPending,
		}
		if err := s.disputes.Create(ctx, tx, dispute); err != nil {
			return err
		}
		if err := s.tasks.UpdateStatus(ctx, tx, taskID, models.TaskStatusDisputed); err != nil {
			return err
		}
		if err := s.tasks.AppendHistory(ctx, tx, &models.TaskHistory{
			TaskID: taskID,
			UserID: &posterID,
			Action: "dispute_opened",
			Remark: reason,
		}); err != nil {
			return err
		}
		if !task.HasTaker() {
			return nil
		}
		return s.notify.Notify(ctx, tx, taskNotification(
			*task.TakerID, "dispute_opened",
			"Открыт спор", "Dispute opened",
			fmt.Sprintf("Автор открыл спор по задаче «%s»", task.Title),
			fmt.Sprintf("The poster opened a dispute on \"%s\"", task.Title),
			taskID,
		))
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

// ResolveDispute применяет резолюцию администратора. Провал возврата
// откатывает резолюцию целиком.
func (s *DisputeService) ResolveDispute(ctx context.Context, adminID string, disputeID int64, resolutionType, note string, refundAmount *decimal.Decimal) error {
	if _, ok := models.ValidResolutionTypes[resolutionType]; !ok {
		return apperror.New(apperror.ErrCodeValidation, "unknown resolution type")
	}

	var transfer *models.PaymentTransfer
	err := db.WithTx(ctx, s.payments.DB(), func(tx *sqlx.Tx) error {
		dispute, err := s.disputes.GetByIDForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if dispute.Status != models.DisputeStatusPending {
			return apperror.New(apperror.ErrCodeConflict, "dispute is already resolved")
		}
		task, err := s.tasks.GetByIDForUpdate(ctx, tx, dispute.TaskID)
		if err != nil {
			return err
		}

		now := s.now()
		disputeStatus := models.DisputeStatusResolved

		switch resolutionType {
		case models.ResolutionRefundPoster:
			if err := s.tasks.UpdateStatus(ctx, tx, task.ID, models.TaskStatusCancelled); err != nil {
				return err
			}
			if task.IsPaid && task.EscrowAmount.IsPositive() {
				if err := s.refundLocked(ctx, tx, task, task.EscrowAmount, note, adminID); err != nil {
					return err
				}
				if err := s.tasks.SetEscrowAmount(ctx, tx, task.ID, decimal.Zero); err != nil {
					return err
				}
			}

		case models.ResolutionPartialRefund:
			if refundAmount == nil || !refundAmount.IsPositive() || refundAmount.GreaterThanOrEqual(task.EscrowAmount) {
				return apperror.New(apperror.ErrCodeValidation, "partial refund amount must be positive and below the escrowed amount")
			}
			if err := s.tasks.SetCompleted(ctx, tx, task.ID, now); err != nil {
				return err
			}
			if err := s.refundLocked(ctx, tx, task, *refundAmount, note, adminID); err != nil {
				return err
			}
			remaining := task.EscrowAmount.Sub(*refundAmount)
			if err := s.tasks.SetEscrowAmount(ctx, tx, task.ID, remaining); err != nil {
				return err
			}
			// Остаток эскроу уходит исполнителю обычным переводом.
			if task.HasTaker() && remaining.IsPositive() {
				task.EscrowAmount = remaining
				transfer, err = s.escrow.CreateTransferRecord(ctx, tx, task)
				if err != nil {
					return err
				}
			}

		case models.ResolutionPayTaker:
			if !task.HasTaker() {
				return apperror.New(apperror.ErrCodePrecondition, "task has no taker to pay")
			}
			if err := s.tasks.SetCompleted(ctx, tx, task.ID, now); err != nil {
				return err
			}
			if task.EscrowAmount.IsPositive() {
				// Отсутствие connect-аккаунта не валит резолюцию:
				// запись уйдёт в очередь повторов.
				transfer, err = s.escrow.CreateTransferRecord(ctx, tx, task)
				if err != nil {
					return err
				}
			} else {
				if err := s.tasks.MarkConfirmed(ctx, tx, task.ID, *task.TakerID, false, now); err != nil {
					return err
				}
			}

		case models.ResolutionDismiss:
			disputeStatus = models.DisputeStatusDismissed
			if err := s.tasks.UpdateStatus(ctx, tx, task.ID, models.TaskStatusPendingConfirmation); err != nil {
				return err
			}
		}

		prefixedNote := fmt.Sprintf("[%s] %s", resolutionType, note)
		if err := s.disputes.Resolve(ctx, tx, disputeID, disputeStatus, adminID, prefixedNote, now); err != nil {
			return err
		}
		if err := s.tasks.AppendHistory(ctx, tx, &models.TaskHistory{
			TaskID: task.ID,
			UserID: &adminID,
			Action: "dispute_resolved",
			Remark: prefixedNote,
		}); err != nil {
			return err
		}

		ns := []*models.Notification{
			taskNotification(task.PosterID, "dispute_resolved",
				"Спор разрешён", "Dispute resolved",
				fmt.Sprintf("Спор по задаче «%s» разрешён: %s", task.Title, resolutionType),
				fmt.Sprintf("The dispute on \"%s\" was resolved: %s", task.Title, resolutionType),
				task.ID),
		}
		if task.HasTaker() {
			ns = append(ns, taskNotification(*task.TakerID, "dispute_resolved",
				"Спор разрешён", "Dispute resolved",
				fmt.Sprintf("Спор по задаче «%s» разрешён: %s", task.Title, resolutionType),
				fmt.Sprintf("The dispute on \"%s\" was resolved: %s", task.Title, resolutionType),
				task.ID))
		}
		return s.notify.NotifyBatch(ctx, tx, ns)
	})
	if err != nil {
		return err
	}

	if transfer != nil {
		s.escrow.ExecuteTransferAsync(transfer.ID)
	}
	return nil
}

// refundLocked создаёт заявку на возврат и проводит его через PSP в
// транзакции резолюции. Ошибка возврата поднимается наверх и
// откатывает всё.
func (s *DisputeService) refundLocked(ctx context.Context, tx *sqlx.Tx, task *models.Task, amount decimal.Decimal, reason, adminID string) error {
	rr := &models.RefundRequest{
		TaskID:       task.ID,
		PosterID:     task.PosterID,
		RefundAmount: amount,
		Reason:       reason,
		Status:       models.RefundStatusProcessing,
		ReviewedBy:   &adminID,
	}
	if err := s.payments.CreateRefundRequest(ctx, tx, rr); err != nil {
		return err
	}
	refund, err := s.refunder.ExecuteRefund(ctx, task, amount, reason)
	if err != nil {
		logger.Log.WithField("task_id", task.ID).WithError(err).Error("возврат не прошёл, резолюция откатывается")
		return err
	}
	return s.payments.CompleteRefundRequest(ctx, tx, rr.ID, refund.ID, s.now())
}

// ListDisputes возвращает споры для админской очереди.
func (s *DisputeService) ListDisputes(ctx context.Context, status string, limit, offset int) ([]models.TaskDispute, error) {
	if status == "" {
		status = models.DisputeStatusPending
	}
	return s.disputes.ListByStatus(ctx, status, limit, offset)
}

// GetDispute возвращает спор.
func (s *DisputeService) GetDispute(ctx context.Context, id int64) (*models.TaskDispute, error) {
	return s.disputes.GetByID(ctx, s.payments.DB(), id)
}
