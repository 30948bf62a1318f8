package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"

	"github.com/unitask/unitask-backend/internal/logger"
)

// Mailer отправляет транзакционные письма. Отправка не должна блокировать
// доменные операции, поэтому наружу торчит только асинхронный SendAsync.
type Mailer struct {
	client *sendgrid.Client
	from   *sgmail.Email
}

// NewMailer создаёт клиент SendGrid.
func NewMailer(apiKey, fromEmail, fromName string) *Mailer {
	return &Mailer{
		client: sendgrid.NewSendClient(apiKey),
		from:   sgmail.NewEmail(fromName, fromEmail),
	}
}

// Send отправляет письмо синхронно.
func (m *Mailer) Send(ctx context.Context, toEmail, toName, subject, plainText, htmlBody string) error {
	to := sgmail.NewEmail(toName, toEmail)
	msg := sgmail.NewSingleEmail(m.from, subject, to, plainText, htmlBody)

	resp, err := m.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("mailer: send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mailer: send: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// SendAsync отправляет письмо в фоне. Ошибка логируется и глотается:
// письмо вторично по отношению к уведомлению в приложении.
func (m *Mailer) SendAsync(toEmail, toName, subject, plainText, htmlBody string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.Send(ctx, toEmail, toName, subject, plainText, htmlBody); err != nil {
			logger.Log.WithFields(logrus.Fields{
				"to":      toEmail,
				"subject": subject,
			}).WithError(err).Warn("не удалось отправить письмо")
		}
	}()
}
