package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditengine/entity"
	"creditengine/internal/config"
	"creditengine/internal/ledger"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const (
	collectionAccounts     = "credit_accounts"
	collectionTransactions = "credit_transactions"
	collectionMarkers      = "credit_markers"
	collectionIntents      = "transfer_intents"
	collectionSettings     = "monetization_settings"
	collectionAudit        = "admin_audit_log"
	collectionUsers        = "api_users"

	maxCommitAttempts = 3

	labelTransient     = "TransientTransactionError"
	labelUnknownCommit = "UnknownTransactionCommitResult"
)

// MongoDB is the ledger store. Balance documents are only written through RunTx, which
// needs a replica set or sharded cluster for multi-document transactions.
type MongoDB struct {
	client      *mongo.Client
	database    string
	maxAttempts uint
}

func NewMongoClient(ctx context.Context, conf *config.Config) (*MongoDB, error) {
	if !conf.Mongo.Enabled {
		return nil, nil
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().ApplyURI(connectionUri)
	if conf.Mongo.ReplicaSet != "" {
		clientOptions.SetReplicaSet(conf.Mongo.ReplicaSet)
	}
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	attempts := conf.Mongo.TxAttempts
	if attempts == 0 {
		attempts = 5
	}
	m := &MongoDB{
		client:      client,
		database:    conf.Mongo.Database,
		maxAttempts: attempts,
	}
	if err = m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return m, nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoDB) collection(name string) *mongo.Collection {
	return m.client.Database(m.database).Collection(name)
}

func (m *MongoDB) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collectionTransactions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		},
		collectionAudit: {
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "target_user_id", Value: 1}}},
		},
		collectionUsers: {
			{Keys: bson.D{{Key: "token", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for col, models := range indexes {
		if _, err := m.collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongodb indexes %s: %w", col, err)
		}
	}
	return nil
}

// RunTx runs fn in a multi-document transaction. Write conflicts abort the attempt and
// fn is run again on fresh reads; when attempts run out the error wraps
// entity.ErrTransientFailure.
func (m *MongoDB) RunTx(ctx context.Context, fn ledger.TxFunc) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := m.runOnce(ctx, fn)
		if err != nil && !hasLabel(err, labelTransient) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(m.maxAttempts))
	if err != nil && (hasLabel(err, labelTransient) || hasLabel(err, labelUnknownCommit) ||
		mongo.IsTimeout(err) || mongo.IsNetworkError(err)) {
		return fmt.Errorf("%w: %v", entity.ErrTransientFailure, err)
	}
	return err
}

func (m *MongoDB) runOnce(ctx context.Context, fn ledger.TxFunc) error {
	sess, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongodb session: %w", err)
	}
	defer sess.EndSession(context.Background())

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(txOpts); err != nil {
			return err
		}
		if err := fn(sc, &mongoTx{db: m}); err != nil {
			_ = sess.AbortTransaction(context.Background())
			return err
		}
		return commitWithRetry(sc, sess.CommitTransaction)
	})
}

// commitWithRetry repeats a commit whose outcome is unknown. The transaction function is
// not run again here: after the last attempt the error is returned with its outcome still
// unknown and RunTx reports it as transient.
func commitWithRetry(ctx context.Context, commit func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return fmt.Errorf("%w: %v", ctxErr, err)
			}
			return ctxErr
		}
		err = commit(ctx)
		if err == nil || !hasLabel(err, labelUnknownCommit) {
			return err
		}
	}
	return err
}

func hasLabel(err error, label string) bool {
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel(label)
	}
	return false
}

// mongoTx operates on the session context handed to the transaction function.
type mongoTx struct {
	db *MongoDB
}

func (t *mongoTx) Account(ctx context.Context, userID string) (*entity.Account, error) {
	var account entity.Account
	err := t.db.collection(collectionAccounts).FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entity.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find account: %w", err)
	}
	return &account, nil
}

func (t *mongoTx) PutAccount(ctx context.Context, account *entity.Account) error {
	opts := options.Replace().SetUpsert(true)
	_, err := t.db.collection(collectionAccounts).ReplaceOne(ctx, bson.D{{Key: "_id", Value: account.UserID}}, account, opts)
	return err
}

func (t *mongoTx) AppendTransaction(ctx context.Context, record *entity.Transaction) error {
	_, err := t.db.collection(collectionTransactions).InsertOne(ctx, record)
	return err
}

func (t *mongoTx) HasMarker(ctx context.Context, id string) (bool, error) {
	err := t.db.collection(collectionMarkers).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mongodb find marker: %w", err)
	}
	return true, nil
}

func (t *mongoTx) PutMarker(ctx context.Context, marker *entity.Marker) error {
	_, err := t.db.collection(collectionMarkers).InsertOne(ctx, marker)
	if mongo.IsDuplicateKeyError(err) {
		return entity.ErrAlreadyRedeemed
	}
	return err
}

func (t *mongoTx) PutTransferIntent(ctx context.Context, intent *entity.TransferIntent) error {
	_, err := t.db.collection(collectionIntents).InsertOne(ctx, intent)
	return err
}

func (m *MongoDB) GetAccount(ctx context.Context, userID string) (*entity.Account, error) {
	return (&mongoTx{db: m}).Account(ctx, userID)
}

func (m *MongoDB) Transactions(ctx context.Context, userID string, limit int) ([]*entity.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.collection(collectionTransactions).Find(ctx, bson.D{{Key: "user_id", Value: userID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*entity.Transaction
	if err = cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (m *MongoDB) TransferIntent(ctx context.Context, id string) (*entity.TransferIntent, error) {
	var intent entity.TransferIntent
	err := m.collection(collectionIntents).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&intent)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entity.ErrNotFound
	}
	return &intent, err
}
