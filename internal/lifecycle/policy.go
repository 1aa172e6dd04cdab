// Package lifecycle реализует чистые правила переходов подписки: проверку
// расхождения дат между аккаунтом и подпиской, определение истечения,
// открытие и исчерпание льготного периода, применение платежа и отмену.
//
// Функции пакета не выполняют ввод-вывод и не читают системное время:
// текущий момент всегда передаётся явно.
package lifecycle

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// Policy параметры жизненного цикла подписки.
type Policy struct {
	GracePeriod    time.Duration
	RenewalPeriod  time.Duration
	DriftTolerance time.Duration
}

// DefaultPolicy возвращает значения по умолчанию: 7 дней льготы,
// продление на 30 дней, допуск расхождения дат 24 часа.
func DefaultPolicy() Policy {
	return Policy{
		GracePeriod:    7 * day,
		RenewalPeriod:  30 * day,
		DriftTolerance: day,
	}
}

// DaysUntil возвращает количество дней до t, округлённое вверх.
// Для моментов в прошлом результат неположителен.
func DaysUntil(t, now time.Time) int {
	return int(math.Ceil(float64(t.Sub(now)) / float64(day)))
}

// DaysRemaining как DaysUntil, но не меньше нуля.
func DaysRemaining(t, now time.Time) int {
	return max(DaysUntil(t, now), 0)
}
