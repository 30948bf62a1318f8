package psp

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/unitask/unitask-backend/internal/pkg/apperror"
)

// StripeProvider — реализация порта поверх Stripe Connect.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider создаёт клиент с секретным ключом.
func NewStripeProvider(secretKey, webhookSecret string) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api, webhookSecret: webhookSecret}
}

// toCents переводит десятичную сумму в минимальные единицы валюты.
func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}

// classify переводит ошибку Stripe в доменную. balance_insufficient и
// rate_limit временные, account_invalid терминальная.
func classify(err error, op string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Code {
		case stripe.ErrorCodeBalanceInsufficient, stripe.ErrorCodeRateLimit:
			return apperror.Wrap(err, apperror.ErrCodeExternalRetryable,
				fmt.Sprintf("%s: %s", op, stripeErr.Code))
		case stripe.ErrorCodeAccountInvalid:
			return apperror.Wrap(err, apperror.ErrCodeExternal,
				fmt.Sprintf("%s: %s", op, stripeErr.Code))
		}
		if stripeErr.HTTPStatusCode >= 500 {
			return apperror.Wrap(err, apperror.ErrCodeExternalRetryable, op+": provider unavailable")
		}
		return apperror.Wrap(err, apperror.ErrCodeExternal,
			fmt.Sprintf("%s: %s", op, stripeErr.Code))
	}
	// Сетевые сбои и таймауты считаем временными.
	return apperror.Wrap(err, apperror.ErrCodeExternalRetryable, op+": request failed")
}

// CreatePaymentIntent создаёт намерение оплаты с метаданными задачи.
func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntent, error) {
	sp := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toCents(params.Amount)),
		Currency: stripe.String(params.Currency),
	}
	sp.Context = ctx
	sp.AddMetadata("task_id", strconv.FormatInt(params.TaskID, 10))
	sp.AddMetadata("poster_id", params.PosterID)

	pi, err := p.api.PaymentIntents.New(sp)
	if err != nil {
		return nil, classify(err, "create payment intent")
	}
	return &PaymentIntent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

// CreateTransfer создаёт перевод на аккаунт исполнителя. В метаданные
// кладётся внутренний id записи перевода для сверки по вебхуку.
func (p *StripeProvider) CreateTransfer(ctx context.Context, params TransferParams) (*Transfer, error) {
	sp := &stripe.TransferParams{
		Amount:      stripe.Int64(toCents(params.Amount)),
		Currency:    stripe.String(params.Currency),
		Destination: stripe.String(params.Destination),
	}
	sp.Context = ctx
	sp.AddMetadata("task_id", strconv.FormatInt(params.TaskID, 10))
	sp.AddMetadata("transfer_ref", strconv.FormatInt(params.TransferRef, 10))

	tr, err := p.api.Transfers.New(sp)
	if err != nil {
		return nil, classify(err, "create transfer")
	}
	return &Transfer{ID: tr.ID, Status: "pending"}, nil
}

// GetTransfer возвращает состояние перевода у провайдера.
func (p *StripeProvider) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	sp := &stripe.TransferParams{}
	sp.Context = ctx
	tr, err := p.api.Transfers.Get(id, sp)
	if err != nil {
		return nil, classify(err, "get transfer")
	}
	status := "pending"
	if tr.Reversed {
		status = "reversed"
	} else if tr.Amount > 0 && tr.AmountReversed == 0 {
		status = "succeeded"
	}
	return &Transfer{ID: tr.ID, Status: status}, nil
}

// CreateRefund возвращает средства по payment intent.
func (p *StripeProvider) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	sp := &stripe.RefundParams{
		PaymentIntent: stripe.String(params.PaymentIntentID),
		Amount:        stripe.Int64(toCents(params.Amount)),
	}
	sp.Context = ctx
	if params.Reason != "" {
		sp.AddMetadata("reason", params.Reason)
	}
	rf, err := p.api.Refunds.New(sp)
	if err != nil {
		return nil, classify(err, "create refund")
	}
	return &Refund{ID: rf.ID, Status: string(rf.Status)}, nil
}

// GetAccount проверяет payout-аккаунт исполнителя.
func (p *StripeProvider) GetAccount(ctx context.Context, id string) (*Account, error) {
	sp := &stripe.AccountParams{}
	sp.Context = ctx
	acc, err := p.api.Accounts.GetByID(id, sp)
	if err != nil {
		return nil, classify(err, "get account")
	}
	return &Account{
		ID:               acc.ID,
		DetailsSubmitted: acc.DetailsSubmitted,
		ChargesEnabled:   acc.ChargesEnabled,
		PayoutsEnabled:   acc.PayoutsEnabled,
	}, nil
}

// VerifyWebhook проверяет подпись и возвращает событие.
func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeUnauthorized, "invalid webhook signature")
	}
	return &Event{ID: event.ID, Type: string(event.Type), Data: event.Data.Raw}, nil
}
