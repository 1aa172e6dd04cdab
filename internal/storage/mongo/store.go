// Package mongo реализует storage.Store на MongoDB (go.mongodb.org/mongo-driver/v2).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

// Имена коллекций.
const (
	colAccounts      = "accounts"
	colSubscriptions = "subscriptions"
)

var _ storage.Store = (*Store)(nil)

// Store хранит аккаунты и подписки в двух коллекциях одной базы.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

// New подключается к MongoDB, проверяет соединение и создаёт индексы.
func New(ctx context.Context, uri, database string) (*Store, error) {
	const op = "storage.mongo.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s := &Store{
		client: client,
		db:     client.Database(database),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err = s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// EnsureIndexes создаёт индексы обеих коллекций. Повторный вызов безопасен.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for col, idx := range indexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("storage.mongo: create %s indexes: %w", col, err)
		}
	}
	return nil
}

func indexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "verificationToken", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
			{Keys: bson.D{{Key: "subscriptionStatus", Value: 1}, {Key: "freeTrialEndDate", Value: 1}}},
		},
		colSubscriptions: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "accountId", Value: 1}, {Key: "createdAt", Value: -1}, {Key: "seq", Value: -1}}},
		},
	}
}

// Ping проверяет доступность сервера.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("storage.mongo.Ping: %w", err)
	}
	return nil
}

// Close закрывает соединение с сервером.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop удаляет базу целиком. Используется в тестах.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func (s *Store) accounts() *mongo.Collection      { return s.db.Collection(colAccounts) }
func (s *Store) subscriptions() *mongo.Collection { return s.db.Collection(colSubscriptions) }

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, acc *models.Account) error {
	const op = "storage.mongo.CreateAccount"
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	now := s.now()
	acc.Email = models.NormalizeEmail(acc.Email)
	acc.CreatedAt = now
	acc.UpdatedAt = now
	acc.Version = 1

	if _, err := s.accounts().InsertOne(ctx, acc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrEmailTaken)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) findAccount(ctx context.Context, op string, filter bson.M) (*models.Account, error) {
	var acc models.Account
	err := s.accounts().FindOne(ctx, filter).Decode(&acc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return s.findAccount(ctx, "storage.mongo.GetAccount", bson.M{"_id": id})
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.findAccount(ctx, "storage.mongo.GetAccountByEmail", bson.M{"email": models.NormalizeEmail(email)})
}

func (s *Store) GetAccountByVerificationToken(ctx context.Context, token string) (*models.Account, error) {
	const op = "storage.mongo.GetAccountByVerificationToken"
	if token == "" {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	return s.findAccount(ctx, op, bson.M{"verificationToken": token})
}

func (s *Store) UpdateAccount(ctx context.Context, acc *models.Account) error {
	const op = "storage.mongo.UpdateAccount"

	next := acc.Clone()
	next.Email = models.NormalizeEmail(next.Email)
	next.UpdatedAt = s.now()
	next.Version = acc.Version + 1

	res, err := s.accounts().ReplaceOne(ctx, bson.M{"_id": acc.ID, "version": acc.Version}, next)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrEmailTaken)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, s.missingOrConflict(ctx, s.accounts(), acc.ID, storage.ErrAccountNotFound))
	}
	acc.Email = next.Email
	acc.UpdatedAt = next.UpdatedAt
	acc.Version = next.Version
	return nil
}

func (s *Store) ClaimFreeTrial(ctx context.Context, accountID string, start, end time.Time) (bool, error) {
	const op = "storage.mongo.ClaimFreeTrial"

	update := bson.M{
		"$set": bson.M{
			"hasUsedFreeTrial":      true,
			"subscriptionStatus":    models.AccountTrial,
			"freeTrialStartDate":    start,
			"freeTrialEndDate":      end,
			"subscriptionStartDate": start,
			"subscriptionEndDate":   end,
			"updatedAt":             s.now(),
		},
		"$inc": bson.M{"version": 1},
	}
	res, err := s.accounts().UpdateOne(ctx, bson.M{"_id": accountID, "hasUsedFreeTrial": false}, update)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetAccount(ctx, accountID); err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) FindExpiredTrials(ctx context.Context, now time.Time) ([]*models.Account, error) {
	const op = "storage.mongo.FindExpiredTrials"

	filter := bson.M{
		"subscriptionStatus": models.AccountTrial,
		"freeTrialEndDate":   bson.M{"$lt": now},
	}
	cur, err := s.accounts().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "freeTrialEndDate", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var result []*models.Account
	if err := cur.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

func (s *Store) CompareAndSetAccountStatus(ctx context.Context, accountID string, from, to models.AccountStatus) (bool, error) {
	const op = "storage.mongo.CompareAndSetAccountStatus"

	update := bson.M{
		"$set": bson.M{"subscriptionStatus": to, "updatedAt": s.now()},
		"$inc": bson.M{"version": 1},
	}
	res, err := s.accounts().UpdateOne(ctx, bson.M{"_id": accountID, "subscriptionStatus": from}, update)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return res.ModifiedCount == 1, nil
}

// ==================== Subscription Store ====================

// subscriptionDoc добавляет к подписке порядковый номер вставки. Даты в MongoDB
// хранятся с точностью до миллисекунды, и seq упорядочивает подписки,
// созданные в одну миллисекунду. Поле переживает UpdateSubscription, так как
// обновление идёт через $set.
type subscriptionDoc struct {
	models.Subscription `bson:",inline"`
	Seq                 bson.ObjectID `bson:"seq"`
}

func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.mongo.CreateSubscription"

	if _, err := s.GetAccount(ctx, sub.AccountID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.PaymentHistory == nil {
		sub.PaymentHistory = []models.PaymentRecord{}
	}
	now := s.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	sub.Version = 1

	doc := subscriptionDoc{Subscription: *sub, Seq: bson.NewObjectID()}
	if _, err := s.subscriptions().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	const op = "storage.mongo.GetSubscription"

	var sub models.Subscription
	if err := s.subscriptions().FindOne(ctx, bson.M{"_id": id}).Decode(&sub); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrSubscriptionNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	normalizeHistory(&sub)
	return &sub, nil
}

func (s *Store) GetCurrentSubscription(ctx context.Context, accountID string) (*models.Subscription, error) {
	const op = "storage.mongo.GetCurrentSubscription"

	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "seq", Value: -1}})
	var sub models.Subscription
	if err := s.subscriptions().FindOne(ctx, bson.M{"accountId": accountID}, opts).Decode(&sub); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrSubscriptionNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	normalizeHistory(&sub)
	return &sub, nil
}

func (s *Store) FindSubscriptionsByStatus(ctx context.Context, statuses ...models.SubscriptionStatus) ([]*models.Subscription, error) {
	const op = "storage.mongo.FindSubscriptionsByStatus"

	filter := bson.M{"status": bson.M{"$in": statuses}}
	cur, err := s.subscriptions().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	result := make([]*models.Subscription, 0)
	if err := cur.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, sub := range result {
		normalizeHistory(sub)
	}
	return result, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.mongo.UpdateSubscription"

	next := sub.Clone()
	if next.PaymentHistory == nil {
		next.PaymentHistory = []models.PaymentRecord{}
	}
	next.UpdatedAt = s.now()
	next.Version = sub.Version + 1

	res, err := s.subscriptions().UpdateOne(ctx, bson.M{"_id": sub.ID, "version": sub.Version}, bson.M{"$set": next})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, s.missingOrConflict(ctx, s.subscriptions(), sub.ID, storage.ErrSubscriptionNotFound))
	}
	sub.UpdatedAt = next.UpdatedAt
	sub.Version = next.Version
	return nil
}

func (s *Store) ExpireTrialSubscription(ctx context.Context, accountID string) (int64, error) {
	const op = "storage.mongo.ExpireTrialSubscription"

	filter := bson.M{"accountId": accountID, "plan": models.PlanTrial, "status": models.StatusActive}
	update := bson.M{
		"$set": bson.M{"status": models.StatusExpired, "updatedAt": s.now()},
		"$inc": bson.M{"version": 1},
	}
	res, err := s.subscriptions().UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) CountSubscriptionsByStatus(ctx context.Context) (map[models.SubscriptionStatus]int64, error) {
	const op = "storage.mongo.CountSubscriptionsByStatus"

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cur, err := s.subscriptions().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var rows []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	counts := make(map[models.SubscriptionStatus]int64, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[models.SubscriptionStatus(r.Status)] = r.Count
	}
	return counts, nil
}

func (s *Store) missingOrConflict(ctx context.Context, col *mongo.Collection, id string, notFound error) error {
	n, err := col.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return storage.ErrConflict
}

func normalizeHistory(sub *models.Subscription) {
	if sub.PaymentHistory == nil {
		sub.PaymentHistory = []models.PaymentRecord{}
	}
}
