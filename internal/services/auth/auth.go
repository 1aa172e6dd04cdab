// Package auth отвечает за регистрацию, вход и подтверждение email.
// Подтверждение email запускает выдачу пробного периода.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/jwt"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/password"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

var (
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrInvalidVerificationToken = errors.New("invalid or used verification token")
)

// AccountRepository операции хранилища аккаунтов.
type AccountRepository interface {
	CreateAccount(ctx context.Context, acc *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetAccountByVerificationToken(ctx context.Context, token string) (*models.Account, error)
	UpdateAccount(ctx context.Context, acc *models.Account) error
}

// TrialIssuer выдаёт пробный период.
type TrialIssuer interface {
	Issue(ctx context.Context, accountID string) (bool, error)
}

// VerificationNotifier отправляет письмо с токеном подтверждения.
type VerificationNotifier interface {
	Verification(ctx context.Context, msg models.VerificationMessage) error
}

// AuthService отвечает за регистрацию, авторизацию и подтверждение email.
type AuthService struct {
	accounts AccountRepository
	jwtMaker jwt.Maker
	trials   TrialIssuer
	notifier VerificationNotifier
	log      *slog.Logger

	// hashCost стоимость bcrypt; 0 означает значение по умолчанию.
	hashCost int
}

// NewAuthService создает новый экземпляр AuthService.
func NewAuthService(accounts AccountRepository, jwtMaker jwt.Maker, trials TrialIssuer, notifier VerificationNotifier, log *slog.Logger) *AuthService {
	return &AuthService{
		accounts: accounts,
		jwtMaker: jwtMaker,
		trials:   trials,
		notifier: notifier,
		log:      log,
	}
}

// WithHashCost задаёт стоимость bcrypt.
func (s *AuthService) WithHashCost(cost int) *AuthService {
	s.hashCost = cost
	return s
}

// Register создаёт аккаунт с ролью user и ставит в очередь письмо подтверждения.
// Ошибка отправки письма не отменяет регистрацию.
func (s *AuthService) Register(ctx context.Context, email, displayName, rawPassword string) (*models.Account, error) {
	const op = "auth.Register"

	var (
		hashed string
		err    error
	)
	if s.hashCost > 0 {
		hashed, err = password.GetHashWithCost(rawPassword, s.hashCost)
	} else {
		hashed, err = password.GetHash(rawPassword)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	acc := &models.Account{
		Email:              email,
		DisplayName:        displayName,
		PasswordHash:       hashed,
		Role:               models.RoleUser,
		VerificationToken:  uuid.NewString(),
		SubscriptionStatus: models.AccountInactive,
	}
	if err := s.accounts.CreateAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log := s.log.With(slog.String("op", op), slog.String("account_id", acc.ID))
	log.Info("account registered")

	if s.notifier != nil {
		msg := models.VerificationMessage{
			AccountID: acc.ID,
			Email:     acc.Email,
			FirstName: acc.FirstName(),
			Token:     acc.VerificationToken,
		}
		if err := s.notifier.Verification(ctx, msg); err != nil {
			log.Error("failed to queue verification email", sl.Err(err))
		}
	}
	return acc, nil
}

// Login проверяет пароль и выпускает JWT с идентификатором аккаунта и ролью.
func (s *AuthService) Login(ctx context.Context, email, rawPassword string) (string, *models.Account, error) {
	const op = "auth.Login"

	acc, err := s.accounts.GetAccountByEmail(ctx, email)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return "", nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := password.CompareHash(acc.PasswordHash, rawPassword); err != nil {
		if errors.Is(err, password.ErrMismatch) {
			return "", nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		return "", nil, fmt.Errorf("%s: %w", op, err)
	}

	token, err := s.jwtMaker.GenerateToken(acc.ID, acc.Email, acc.Role)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", op, err)
	}
	return token, acc, nil
}

// VerifyEmail подтверждает email по токену и выдаёт пробный период.
// Токен гасится только после успешной выдачи, поэтому при сбое выдачи
// повторный переход по ссылке продолжит с того же места.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) (*models.Account, bool, error) {
	const op = "auth.VerifyEmail"

	if token == "" {
		return nil, false, fmt.Errorf("%s: %w", op, ErrInvalidVerificationToken)
	}
	acc, err := s.accounts.GetAccountByVerificationToken(ctx, token)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return nil, false, fmt.Errorf("%s: %w", op, ErrInvalidVerificationToken)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	log := s.log.With(slog.String("op", op), slog.String("account_id", acc.ID))

	if !acc.EmailVerified {
		acc.EmailVerified = true
		if err := s.accounts.UpdateAccount(ctx, acc); err != nil {
			return nil, false, fmt.Errorf("%s: %w", op, err)
		}
		log.Info("email verified")
	}

	issued, err := s.trials.Issue(ctx, acc.ID)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	// Выдача пробного периода изменила аккаунт, поэтому перечитываем его.
	acc, err = s.accounts.GetAccount(ctx, acc.ID)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	acc.VerificationToken = ""
	if err := s.accounts.UpdateAccount(ctx, acc); err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return acc, issued, nil
}
