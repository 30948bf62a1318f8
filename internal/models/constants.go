package models

// Статусы задач.
const (
	TaskStatusOpen                = "open"
	TaskStatusPendingAcceptance   = "pending_acceptance"
	TaskStatusTaken               = "taken"
	TaskStatusInProgress          = "in_progress"
	TaskStatusPendingPayment      = "pending_payment"
	TaskStatusPendingConfirmation = "pending_confirmation"
	TaskStatusCompleted           = "completed"
	TaskStatusCancelled           = "cancelled"
	TaskStatusDisputed            = "disputed"
)

// ValidTaskStatuses список валидных статусов задач.
var ValidTaskStatuses = map[string]struct{}{
	TaskStatusOpen:                {},
	TaskStatusPendingAcceptance:   {},
	TaskStatusTaken:               {},
	TaskStatusInProgress:          {},
	TaskStatusPendingPayment:      {},
	TaskStatusPendingConfirmation: {},
	TaskStatusCompleted:           {},
	TaskStatusCancelled:           {},
	TaskStatusDisputed:            {},
}

// Статусы откликов.
const (
	ApplicationStatusPending   = "pending"
	ApplicationStatusApproved  = "approved"
	ApplicationStatusRejected  = "rejected"
	ApplicationStatusWithdrawn = "withdrawn"
)

// Уровни пользователей и задач.
const (
	LevelNormal = "normal"
	LevelVIP    = "vip"
	LevelSuper  = "super"
	LevelExpert = "expert"
)

// LevelRank возвращает ранг уровня для проверки допуска к задаче.
func LevelRank(level string) int {
	switch level {
	case LevelSuper:
		return 3
	case LevelVIP:
		return 2
	default:
		return 1
	}
}

// Статусы платёжных переводов.
const (
	TransferStatusPending   = "pending"
	TransferStatusRetrying  = "retrying"
	TransferStatusSucceeded = "succeeded"
	TransferStatusFailed    = "failed"
)

// Статусы заявок на возврат.
const (
	RefundStatusProcessing = "processing"
	RefundStatusCompleted  = "completed"
	RefundStatusFailed     = "failed"
)

// Статусы споров.
const (
	DisputeStatusPending   = "pending"
	DisputeStatusResolved  = "resolved"
	DisputeStatusDismissed = "dismissed"
)

// Типы резолюций споров.
const (
	ResolutionRefundPoster  = "refund_poster"
	ResolutionPartialRefund = "partial_refund"
	ResolutionPayTaker      = "pay_taker"
	ResolutionDismiss       = "dismiss"
)

// ValidResolutionTypes список валидных типов резолюций.
var ValidResolutionTypes = map[string]struct{}{
	ResolutionRefundPoster:  {},
	ResolutionPartialRefund: {},
	ResolutionPayTaker:      {},
	ResolutionDismiss:       {},
}

// Действия в журнале переговоров.
const (
	NegotiationActionAccept  = "accept"
	NegotiationActionReject  = "reject"
	NegotiationActionCounter = "counter"
)

// Статусы сообщений чата поддержки.
const (
	CSMessageStatusSending   = "sending"
	CSMessageStatusSent      = "sent"
	CSMessageStatusDelivered = "delivered"
	CSMessageStatusRead      = "read"
)

// Статусы очереди поддержки.
const (
	QueueStatusWaiting   = "waiting"
	QueueStatusAssigned  = "assigned"
	QueueStatusAbandoned = "abandoned"
)

// Типы связанных сущностей уведомлений.
const (
	RelatedTypeTask        = "task_id"
	RelatedTypeApplication = "application_id"
)

// Realm'ы аутентификации.
const (
	RealmUser    = "user"
	RealmService = "cs"
	RealmAdmin   = "admin"
)
