// Package sender формирует и отправляет письма по сообщениям из очередей уведомлений.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/smtp"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
)

// ErrInvalidMessage сообщение очереди не удалось разобрать или в нём нет адреса.
var ErrInvalidMessage = errors.New("invalid notification message")

// Options ссылки, которые подставляются в письма.
type Options struct {
	VerifyURL  string
	PaymentURL string
}

// Service отправляет письма через SMTP-транспорт.
type Service struct {
	transport smtp.TransportInterface
	log       *slog.Logger
	opts      Options
}

// NewSenderService создаёт Service.
func NewSenderService(log *slog.Logger, transport smtp.TransportInterface, opts Options) *Service {
	return &Service{transport: transport, log: log, opts: opts}
}

// SendTrialExpired отправляет письмо об окончании пробного периода.
func (s *Service) SendTrialExpired(ctx context.Context, body []byte) error {
	const op = "sender.SendTrialExpired"

	var msg models.TrialExpiredMessage
	if err := decode(body, &msg); err != nil {
		s.log.Error("failed to decode message", slog.String("op", op), sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if msg.Email == "" {
		return fmt.Errorf("%s: %w: empty email", op, ErrInvalidMessage)
	}

	subject := "Ваш пробный период закончился"
	text := fmt.Sprintf("Здравствуйте, %s!\n\n"+
		"Пробный период доступа к торговому боту закончился.\n"+
		"Чтобы продолжить пользоваться сервисом, оформите подписку: %s\n",
		greetingName(msg.FirstName), s.opts.PaymentURL)

	if err := s.sendEmail(ctx, []string{msg.Email}, subject, text); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SendVerification отправляет письмо со ссылкой подтверждения email.
func (s *Service) SendVerification(ctx context.Context, body []byte) error {
	const op = "sender.SendVerification"

	var msg models.VerificationMessage
	if err := decode(body, &msg); err != nil {
		s.log.Error("failed to decode message", slog.String("op", op), sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if msg.Email == "" || msg.Token == "" {
		return fmt.Errorf("%s: %w: empty email or token", op, ErrInvalidMessage)
	}

	link := s.opts.VerifyURL + "?token=" + url.QueryEscape(msg.Token)
	subject := "Подтвердите email"
	text := fmt.Sprintf("Здравствуйте, %s!\n\n"+
		"Для завершения регистрации перейдите по ссылке: %s\n"+
		"После подтверждения вам будет открыт бесплатный пробный период.\n",
		greetingName(msg.FirstName), link)

	if err := s.sendEmail(ctx, []string{msg.Email}, subject, text); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return nil
}

func greetingName(firstName string) string {
	if firstName == "" {
		return "трейдер"
	}
	return firstName
}

func (s *Service) sendEmail(ctx context.Context, to []string, subject, bodyText string) error {
	from := s.transport.GetSMTPUser()
	log := s.log.With(slog.String("from", from), slog.Any("to", to))

	msg := strings.Join([]string{
		"From: " + from,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		bodyText,
	}, "\r\n")

	client, err := s.transport.Connect(ctx)
	if err != nil {
		log.Error("failed to connect to SMTP server", sl.Err(err))
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Mail(from); err != nil {
		log.Error("failed to set MAIL FROM", sl.Err(err))
		return err
	}
	for _, addr := range to {
		if err := client.Rcpt(addr); err != nil {
			log.Error("failed to set RCPT TO", slog.String("recipient", addr), sl.Err(err))
			return err
		}
	}

	wc, err := client.Data()
	if err != nil {
		log.Error("failed to get data writer", sl.Err(err))
		return err
	}
	if _, err = wc.Write([]byte(msg)); err != nil {
		_ = wc.Close()
		log.Error("failed to write email body", sl.Err(err))
		return err
	}
	if err = wc.Close(); err != nil {
		log.Error("failed to close data writer", sl.Err(err))
		return err
	}
	if err = client.Quit(); err != nil {
		log.Error("failed to quit SMTP session", sl.Err(err))
		return err
	}

	log.Info("email sent", slog.String("subject", subject))
	return nil
}
