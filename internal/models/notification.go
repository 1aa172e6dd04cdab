package models

// TrialExpiredMessage сообщение очереди об окончании пробного периода.
type TrialExpiredMessage struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
}

// VerificationMessage сообщение очереди с токеном подтверждения email.
type VerificationMessage struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	Token     string `json:"token"`
}
