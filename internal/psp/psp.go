package psp

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// PaymentIntent — намерение оплаты задачи автором.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
}

// Transfer — исходящий перевод на payout-аккаунт исполнителя.
type Transfer struct {
	ID     string
	Status string
}

// Refund — возврат средств автору.
type Refund struct {
	ID     string
	Status string
}

// Account — payout-аккаунт исполнителя.
type Account struct {
	ID               string
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
}

// Onboarded сообщает, завершён ли онбординг: анкета подана, приём
// платежей и выплаты включены. Любой недобранный флаг задерживает
// перевод до завершения онбординга.
func (a *Account) Onboarded() bool {
	return a.DetailsSubmitted && a.ChargesEnabled && a.PayoutsEnabled
}

// Event — верифицированное вебхук-событие провайдера.
type Event struct {
	ID   string
	Type string
	Data json.RawMessage
}

// CreateIntentParams описывает оплату задачи.
type CreateIntentParams struct {
	Amount   decimal.Decimal
	Currency string
	TaskID   int64
	PosterID string
}

// TransferParams описывает перевод исполнителю.
type TransferParams struct {
	Amount      decimal.Decimal
	Currency    string
	Destination string
	TaskID      int64
	TransferRef int64
}

// RefundParams описывает возврат по payment intent.
type RefundParams struct {
	PaymentIntentID string
	Amount          decimal.Decimal
	Reason          string
}

// Provider — порт платёжного провайдера. Реализация не трогает БД:
// классификация ошибок и write-back'и остаются за сервисным слоем.
type Provider interface {
	CreatePaymentIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntent, error)
	CreateTransfer(ctx context.Context, params TransferParams) (*Transfer, error)
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	CreateRefund(ctx context.Context, params RefundParams) (*Refund, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}
