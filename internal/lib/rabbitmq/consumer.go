package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
)

// Handler обрабатывает тело сообщения. Ошибка приводит к Nack с возвратом в очередь.
type Handler func(body []byte) error

// Consumer часть amqp.Channel, нужная для чтения очереди.
type Consumer interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// ConsumeMessages читает очередь queueName до отмены ctx или закрытия канала,
// обрабатывая не более prefetch сообщений одновременно. Возвращает функцию
// ожидания завершения уже запущенных обработчиков.
func ConsumeMessages(ctx context.Context, log *slog.Logger, ch Consumer, queueName string, handler Handler) (func(), error) {
	const op = "rabbitmq.ConsumeMessages"
	log = log.With(slog.String("op", op), slog.String("queue", queueName))

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, prefetch)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					log.Info("delivery channel closed")
					return
				}
				sem <- struct{}{}
				wg.Add(1)
				go func(d amqp.Delivery) {
					defer wg.Done()
					defer func() { <-sem }()
					handle(log, d, handler)
				}(d)
			case <-ctx.Done():
				return
			}
		}
	}()

	wait := func() {
		<-done
		wg.Wait()
	}
	return wait, nil
}

func handle(log *slog.Logger, d amqp.Delivery, handler Handler) {
	if err := handler(d.Body); err != nil {
		log.Error("failed to handle message", sl.Err(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error("failed to nack message", sl.Err(nackErr))
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.Error("failed to ack message", sl.Err(ackErr))
	}
}
