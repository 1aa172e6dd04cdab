package lifecycle

import (
	"time"

	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
)

// ApplyPayment добавляет платёж в историю и продлевает подписку на период
// продления от текущей даты окончания. Повторный платёж с той же ссылкой на
// транзакцию игнорируется, в этом случае возвращается false.
//
// Даты ожидающей оплаты подписки служат заглушками, поэтому первый платёж
// отсчитывает период от момента платежа.
func ApplyPayment(sub *models.Subscription, rec models.PaymentRecord, p Policy) bool {
	if rec.TxHash != "" && sub.HasPayment(rec.TxHash) {
		return false
	}
	if sub.Status == models.StatusPending {
		sub.StartDate = rec.Timestamp
		sub.EndDate = rec.Timestamp
	}
	sub.PaymentHistory = append(sub.PaymentHistory, rec)
	sub.EndDate = sub.EndDate.Add(p.RenewalPeriod)
	sub.NextPaymentDue = sub.EndDate.Add(day)
	sub.Status = models.StatusActive
	sub.GracePeriodEnd = nil
	return true
}

// Cancel переводит подписку в отменённое состояние.
// Для уже отменённой подписки ничего не делает и возвращает false.
func Cancel(sub *models.Subscription, now time.Time) bool {
	if sub.Status == models.StatusCancelled {
		return false
	}
	sub.Status = models.StatusCancelled
	sub.CancellationDate = models.TimePtr(now)
	sub.AutoRenewal = false
	return true
}

// IsActive подписка активна и её срок ещё не истёк.
func IsActive(sub models.Subscription, now time.Time) bool {
	return sub.Status == models.StatusActive && sub.EndDate.After(now)
}
