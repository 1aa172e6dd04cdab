// Package sender запускает процесс, который читает очереди уведомлений и отправляет письма.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/trading-subscriptions/internal/config"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/smtp"
	senderservice "github.com/magabrotheeeer/trading-subscriptions/internal/services/sender"
)

const sendTimeout = 30 * time.Second

// Mailer письма, которые умеет отправлять sender.
type Mailer interface {
	SendTrialExpired(ctx context.Context, body []byte) error
	SendVerification(ctx context.Context, body []byte) error
}

type App struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	mailer Mailer
	logger *slog.Logger
}

func New(_ context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg.RabbitMQ.URL == "" {
		return nil, errors.New("rabbitmq url is required for sender")
	}
	conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}

	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		closeResources(nil, conn, logger)
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}

	transport := smtp.NewTransport(cfg.SMTP, logger)
	mailer := senderservice.NewSenderService(logger, transport, senderservice.Options{
		VerifyURL:  cfg.Notification.VerifyURL,
		PaymentURL: cfg.Notification.PaymentURL,
	})

	return &App{
		conn:   conn,
		ch:     ch,
		mailer: mailer,
		logger: logger,
	}, nil
}

// QueueHandlers сопоставляет очередям обработчики писем. Сообщения, которые не удалось
// разобрать, подтверждаются и отбрасываются, остальные ошибки возвращают сообщение в очередь.
func QueueHandlers(ctx context.Context, mailer Mailer, logger *slog.Logger) map[string]rabbitmq.Handler {
	wrap := func(queue string, send func(ctx context.Context, body []byte) error) rabbitmq.Handler {
		return func(body []byte) error {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			err := send(sendCtx, body)
			if errors.Is(err, senderservice.ErrInvalidMessage) {
				logger.Warn("dropping malformed message", slog.String("queue", queue), sl.Err(err))
				return nil
			}
			return err
		}
	}

	handlers := make(map[string]rabbitmq.Handler)
	for _, q := range rabbitmq.GetNotificationQueues() {
		switch q.RoutingKey {
		case rabbitmq.RoutingTrialExpired:
			handlers[q.QueueName] = wrap(q.QueueName, mailer.SendTrialExpired)
		case rabbitmq.RoutingVerification:
			handlers[q.QueueName] = wrap(q.QueueName, mailer.SendVerification)
		}
	}
	return handlers
}

func (a *App) Run(ctx context.Context) error {
	var waits []func()
	for queue, handler := range QueueHandlers(ctx, a.mailer, a.logger) {
		wait, err := rabbitmq.ConsumeMessages(ctx, a.logger, a.ch, queue, handler)
		if err != nil {
			a.logger.Error("failed to start consumer", slog.String("queue", queue), sl.Err(err))
			closeResources(a.ch, a.conn, a.logger)
			return err
		}
		waits = append(waits, wait)
	}

	<-ctx.Done()
	a.logger.Info("sender service shutting down gracefully")

	for _, wait := range waits {
		wait()
	}
	closeResources(a.ch, a.conn, a.logger)
	return nil
}

func closeResources(ch *amqp.Channel, conn *amqp.Connection, logger *slog.Logger) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close connection", sl.Err(err))
		}
	}
}
