// Package notification отправляет уведомления аккаунтам через очередь RabbitMQ.
// Доставку писем выполняет отдельный процесс sender.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
)

// Notifier приёмник уведомлений.
type Notifier interface {
	TrialExpired(ctx context.Context, msg models.TrialExpiredMessage) error
	Verification(ctx context.Context, msg models.VerificationMessage) error
}

// Publisher публикует уведомления в exchange rabbitmq.Exchange.
type Publisher struct {
	mu  sync.Mutex
	ch  rabbitmq.Channel
	log *slog.Logger
}

// NewPublisher создаёт Publisher поверх открытого канала.
func NewPublisher(ch rabbitmq.Channel, log *slog.Logger) *Publisher {
	return &Publisher{ch: ch, log: log}
}

// TrialExpired публикует сообщение об окончании пробного периода.
func (p *Publisher) TrialExpired(ctx context.Context, msg models.TrialExpiredMessage) error {
	return p.publish(ctx, "notification.TrialExpired", rabbitmq.RoutingTrialExpired, msg.AccountID, msg)
}

// Verification публикует сообщение со ссылкой подтверждения email.
func (p *Publisher) Verification(ctx context.Context, msg models.VerificationMessage) error {
	return p.publish(ctx, "notification.Verification", rabbitmq.RoutingVerification, msg.AccountID, msg)
}

func (p *Publisher) publish(ctx context.Context, op, key, accountID string, msg any) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	// amqp.Channel не допускает конкурентную публикацию.
	p.mu.Lock()
	err := rabbitmq.PublishMessage(p.ch, rabbitmq.Exchange, key, msg)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.log.Debug("notification published",
		slog.String("op", op),
		slog.String("routing_key", key),
		slog.String("account_id", accountID),
	)
	return nil
}

// LogNotifier только пишет уведомления в лог. Используется, когда брокер не настроен.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) TrialExpired(_ context.Context, msg models.TrialExpiredMessage) error {
	n.log.Info("trial expired notification",
		slog.String("account_id", msg.AccountID),
		slog.String("email", msg.Email),
	)
	return nil
}

func (n *LogNotifier) Verification(_ context.Context, msg models.VerificationMessage) error {
	n.log.Info("verification notification",
		slog.String("account_id", msg.AccountID),
		slog.String("email", msg.Email),
	)
	return nil
}
