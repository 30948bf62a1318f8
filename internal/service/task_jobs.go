package service

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/unitask/unitask-backend/internal/db"
	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/models"
)

// AutoCancelExpired отменяет открытые задачи с прошедшим дедлайном.
// Каждая задача обрабатывается в savepoint'е, сбой одной не валит пакет.
// Возвращает число отменённых.
func (s *TaskService) AutoCancelExpired(ctx context.Context) (int, error) {
	ids, err := s.tasks.ListExpiredOpen(ctx, s.now(), 200)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	cancelled := 0
	err = db.WithTx(ctx, s.tasks.DB(), func(tx *sqlx.Tx) error {
		for i, id := range ids {
			spErr := db.WithSavepoint(ctx, tx, fmt.Sprintf("auto_cancel_%d", i), func() error {
				task, err := s.tasks.GetByIDForUpdate(ctx, tx, id)
				if err != nil {
					return err
				}
				// Перепроверка под блокировкой: задачу могли взять
				// между выборкой и блокировкой.
				if task.Status != models.TaskStatusOpen {
					return nil
				}
				if task.Deadline == nil || task.Deadline.After(s.now()) {
					return nil
				}
				if err := s.cancelLocked(ctx, tx, task, nil, "deadline passed"); err != nil {
					return err
				}
				cancelled++
				return nil
			})
			if spErr != nil {
				logger.Log.WithField("task_id", id).WithError(spErr).Warn("авто-отмена задачи не удалась")
			}
		}
		return nil
	})
	if err != nil {
		return cancelled, err
	}

	if cancelled > 0 {
		if s.cache != nil {
			s.cache.BumpVersion(ctx, "tasks:list")
		}
		logger.Log.WithField("count", cancelled).Info("просроченные задачи отменены")
	}
	return cancelled, nil
}

// RevertUnpaidApprovals откатывает одобрения, не оплаченные за 24 часа:
// задача возвращается в open, отклик снова pending, товар барахолки
// возвращается в продажу.
func (s *TaskService) RevertUnpaidApprovals(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-paymentTimeout)
	ids, err := s.tasks.ListStalePendingPayment(ctx, cutoff, 200)
	if err != nil {
		return 0, err
	}

	reverted := 0
	for _, id := range ids {
		err := db.WithTx(ctx, s.tasks.DB(), func(tx *sqlx.Tx) error {
			task, err := s.tasks.GetByIDForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if task.Status != models.TaskStatusPendingPayment || task.IsPaid {
				return nil
			}

			// Одобренный отклик возвращается в pending; связанная с
			// барахолкой задача восстанавливает товар даже при
			// отсутствии строки отклика.
			if task.HasTaker() {
				if app, err := s.tasks.GetActiveApplication(ctx, tx, id, *task.TakerID); err == nil {
					if err := s.tasks.UpdateApplicationStatus(ctx, tx, app.ID, models.ApplicationStatusPending); err != nil {
						return err
					}
				}
			}
			if err := s.tasks.ClearTaker(ctx, tx, id); err != nil {
				return err
			}
			if task.SoldTaskID != nil {
				if err := s.tasks.RestoreListing(ctx, tx, *task.SoldTaskID); err != nil {
					return err
				}
			}
			if err := s.tasks.AppendHistory(ctx, tx, &models.TaskHistory{
				TaskID: id,
				Action: "approval_reverted",
				Remark: "payment timeout",
			}); err != nil {
				return err
			}

			ns := []*models.Notification{
				taskNotification(task.PosterID, "approval_reverted",
					"Одобрение отменено", "Approval reverted",
					fmt.Sprintf("Оплата задачи «%s» не поступила за 24 часа", task.Title),
					fmt.Sprintf("Payment for \"%s\" was not received within 24 hours", task.Title),
					id),
			}
			if task.HasTaker() {
				ns = append(ns, taskNotification(*task.TakerID, "approval_reverted",
					"Одобрение отменено", "Approval reverted",
					fmt.Sprintf("Автор не оплатил задачу «%s», она снова открыта", task.Title),
					fmt.Sprintf("The poster did not pay for \"%s\", it is open again", task.Title),
					id))
			}
			if err := s.notify.NotifyBatch(ctx, tx, ns); err != nil {
				return err
			}
			reverted++
			return nil
		})
		if err != nil {
			logger.Log.WithField("task_id", id).WithError(err).Warn("откат неоплаченного одобрения не удался")
		}
	}

	if reverted > 0 {
		if s.cache != nil {
			s.cache.BumpVersion(ctx, "tasks:list")
		}
		logger.Log.WithField("count", reverted).Info("неоплаченные одобрения откатаны")
	}
	return reverted, nil
}

// AutoConfirmExpired подтверждает задачи, ждущие автора дольше срока
// авто-подтверждения.
func (s *TaskService) AutoConfirmExpired(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-autoConfirmAfter)
	ids, err := s.tasks.ListExpiredConfirmation(ctx, cutoff, 200)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, id := range ids {
		if err := s.confirm(ctx, nil, id, true); err != nil {
			logger.Log.WithField("task_id", id).WithError(err).Warn("авто-подтверждение не удалось")
			continue
		}
		confirmed++
	}
	if confirmed > 0 {
		logger.Log.WithField("count", confirmed).Info("задачи подтверждены автоматически")
	}
	return confirmed, nil
}
