package rabbitmq

// Exchange имя direct-exchange для всех уведомлений.
const Exchange = "notifications"

// Ключи маршрутизации уведомлений.
const (
	RoutingTrialExpired = "trial.expired"
	RoutingVerification = "account.verification"
)

const prefetch = 10

// QueueConfig очередь и ключ, которым она привязана к Exchange.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// GetNotificationQueues возвращает очереди, которые читает sender.
func GetNotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "trial_expired_queue", RoutingKey: RoutingTrialExpired},
		{QueueName: "verification_queue", RoutingKey: RoutingVerification},
	}
}
