package models

import "time"

// Plan тарифный план подписки.
type Plan string

const (
	PlanPremium Plan = "premium"
	PlanBasic   Plan = "basic"
	PlanTrial   Plan = "trial"
)

// Valid сообщает, является ли план одним из известных.
func (p Plan) Valid() bool {
	switch p {
	case PlanPremium, PlanBasic, PlanTrial:
		return true
	}
	return false
}

// SubscriptionStatus статус записи подписки.
type SubscriptionStatus string

const (
	StatusPending   SubscriptionStatus = "pending"
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// AllStatuses перечисляет статусы в порядке жизненного цикла.
var AllStatuses = []SubscriptionStatus{StatusPending, StatusActive, StatusExpired, StatusCancelled}

// PaymentRecord запись истории платежей. Записи только добавляются.
type PaymentRecord struct {
	TxHash    string    `json:"txHash" bson:"txHash"`
	Amount    float64   `json:"amount" bson:"amount"`
	Network   string    `json:"network" bson:"network"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Verified  bool      `json:"verified" bson:"verified"`
}

// Subscription авторитетная запись о подписке аккаунта.
type Subscription struct {
	ID               string             `json:"id" bson:"_id"`
	AccountID        string             `json:"accountId" bson:"accountId"`
	Plan             Plan               `json:"plan" bson:"plan"`
	Status           SubscriptionStatus `json:"status" bson:"status"`
	StartDate        time.Time          `json:"startDate" bson:"startDate"`
	EndDate          time.Time          `json:"endDate" bson:"endDate"`
	NextPaymentDue   time.Time          `json:"nextPaymentDue" bson:"nextPaymentDue"`
	GracePeriodEnd   *time.Time         `json:"gracePeriodEnd,omitempty" bson:"gracePeriodEnd"`
	CancellationDate *time.Time         `json:"cancellationDate,omitempty" bson:"cancellationDate"`
	PaymentHistory   []PaymentRecord    `json:"paymentHistory" bson:"paymentHistory"`
	AutoRenewal      bool               `json:"autoRenewal" bson:"autoRenewal"`
	MonthlyPrice     float64            `json:"monthlyPrice" bson:"monthlyPrice"`
	CreatedAt        time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt" bson:"updatedAt"`
	Version          int64              `json:"version" bson:"version"`
}

// Clone возвращает глубокую копию подписки вместе с историей платежей.
func (s Subscription) Clone() Subscription {
	s.GracePeriodEnd = cloneTime(s.GracePeriodEnd)
	s.CancellationDate = cloneTime(s.CancellationDate)
	history := make([]PaymentRecord, len(s.PaymentHistory))
	copy(history, s.PaymentHistory)
	s.PaymentHistory = history
	return s
}

// HasPayment сообщает, есть ли в истории платёж с данной ссылкой на транзакцию.
func (s Subscription) HasPayment(txHash string) bool {
	for _, p := range s.PaymentHistory {
		if p.TxHash == txHash {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, что подписка отменена и больше не меняется.
func (s Subscription) IsTerminal() bool {
	return s.Status == StatusCancelled
}
