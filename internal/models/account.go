// Package models содержит доменные типы сервиса подписок: аккаунты, подписки,
// платежи, итоги проходов сверки и сообщения уведомлений.
package models

import (
	"strings"
	"time"
)

// AccountStatus зеркальный статус подписки, хранимый на аккаунте.
type AccountStatus string

const (
	AccountInactive AccountStatus = "inactive"
	AccountActive   AccountStatus = "active"
	AccountExpired  AccountStatus = "expired"
	AccountTrial    AccountStatus = "trial"
)

const (
	// RoleUser роль по умолчанию при регистрации.
	RoleUser = "user"
	// RoleAdmin роль с доступом к административным операциям.
	RoleAdmin = "admin"
)

// Account пользовательский аккаунт с денормализованной копией состояния подписки.
type Account struct {
	ID                    string        `json:"id" bson:"_id"`
	Email                 string        `json:"email" bson:"email"`
	DisplayName           string        `json:"displayName" bson:"displayName"`
	PasswordHash          string        `json:"-" bson:"passwordHash"`
	Role                  string        `json:"role" bson:"role"`
	EmailVerified         bool          `json:"emailVerified" bson:"emailVerified"`
	VerificationToken     string        `json:"-" bson:"verificationToken,omitempty"`
	SubscriptionStatus    AccountStatus `json:"subscriptionStatus" bson:"subscriptionStatus"`
	SubscriptionStartDate *time.Time    `json:"subscriptionStartDate" bson:"subscriptionStartDate"`
	SubscriptionEndDate   *time.Time    `json:"subscriptionEndDate" bson:"subscriptionEndDate"`
	HasUsedFreeTrial      bool          `json:"hasUsedFreeTrial" bson:"hasUsedFreeTrial"`
	FreeTrialStartDate    *time.Time    `json:"freeTrialStartDate" bson:"freeTrialStartDate"`
	FreeTrialEndDate      *time.Time    `json:"freeTrialEndDate" bson:"freeTrialEndDate"`
	CreatedAt             time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt" bson:"updatedAt"`
	Version               int64         `json:"version" bson:"version"`
}

// Clone возвращает глубокую копию аккаунта.
func (a Account) Clone() Account {
	a.SubscriptionStartDate = cloneTime(a.SubscriptionStartDate)
	a.SubscriptionEndDate = cloneTime(a.SubscriptionEndDate)
	a.FreeTrialStartDate = cloneTime(a.FreeTrialStartDate)
	a.FreeTrialEndDate = cloneTime(a.FreeTrialEndDate)
	return a
}

// FirstName возвращает первое слово отображаемого имени, либо локальную часть email.
func (a Account) FirstName() string {
	if fields := strings.Fields(a.DisplayName); len(fields) > 0 {
		return fields[0]
	}
	local, _, _ := strings.Cut(a.Email, "@")
	return local
}

// NormalizeEmail приводит email к каноническому виду для хранения и поиска.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr возвращает указатель на копию t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
