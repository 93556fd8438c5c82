package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditengine/entity"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (m *MongoDB) GetSettings(ctx context.Context) (*entity.Settings, error) {
	var settings entity.Settings
	err := m.collection(collectionSettings).FindOne(ctx, bson.D{{Key: "_id", Value: entity.SettingsID}}).Decode(&settings)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find settings: %w", err)
	}
	return &settings, nil
}

// SaveSettings writes the document only if the stored version still equals expectVersion.
// Version zero means the document must not exist yet. Updates keep the stored payment
// section.
func (m *MongoDB) SaveSettings(ctx context.Context, settings *entity.Settings, expectVersion int64) error {
	doc := settings.Clone()
	doc.ID = entity.SettingsID
	doc.Version = expectVersion + 1

	collection := m.collection(collectionSettings)
	if expectVersion == 0 {
		_, err := collection.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return entity.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("mongodb insert settings: %w", err)
		}
		settings.Version = doc.Version
		return nil
	}

	fields, err := settingsFields(doc)
	if err != nil {
		return err
	}
	filter := bson.D{
		{Key: "_id", Value: entity.SettingsID},
		{Key: "version", Value: expectVersion},
	}
	result, err := collection.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: fields}})
	if err != nil {
		return fmt.Errorf("mongodb update settings: %w", err)
	}
	if result.MatchedCount == 0 {
		return entity.ErrVersionConflict
	}
	settings.Version = doc.Version
	return nil
}

// settingsFields returns the document fields to $set on update. The payment section is
// left out; it is owned by SavePayment.
func settingsFields(doc *entity.Settings) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	var fields bson.M
	if err = bson.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	delete(fields, "_id")
	delete(fields, "payment")
	return fields, nil
}

func (m *MongoDB) IncrementPromoUses(ctx context.Context, code string) error {
	filter := bson.D{
		{Key: "_id", Value: entity.SettingsID},
		{Key: "promo_codes.code", Value: code},
	}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "promo_codes.$.current_uses", Value: 1}}}}
	return m.updateSettings(ctx, filter, update)
}

func (m *MongoDB) IncrementPilotParticipants(ctx context.Context, programID string, delta int64) error {
	filter := bson.D{
		{Key: "_id", Value: entity.SettingsID},
		{Key: "pilot_programs.id", Value: programID},
	}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "pilot_programs.$.current_participants", Value: delta}}}}
	return m.updateSettings(ctx, filter, update)
}

// ReservePilotSeat increments the participant counter in a single conditional update,
// so concurrent enrollments cannot push it past limit. A limit of zero means no cap.
func (m *MongoDB) ReservePilotSeat(ctx context.Context, programID string, limit int64) error {
	if limit <= 0 {
		return m.IncrementPilotParticipants(ctx, programID, 1)
	}
	filter := bson.D{
		{Key: "_id", Value: entity.SettingsID},
		{Key: "pilot_programs", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
			{Key: "id", Value: programID},
			{Key: "current_participants", Value: bson.D{{Key: "$lt", Value: limit}}},
		}}}},
	}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "pilot_programs.$.current_participants", Value: 1}}}}
	err := m.updateSettings(ctx, filter, update)
	if errors.Is(err, entity.ErrNotFound) {
		return entity.ErrPilotUnavailable
	}
	return err
}

func (m *MongoDB) LoadPayment(ctx context.Context) (entity.PaymentSettings, error) {
	settings, err := m.GetSettings(ctx)
	if err != nil {
		return entity.PaymentSettings{}, err
	}
	return settings.Payment, nil
}

// SavePayment replaces the payment section only; the settings version stays as it is.
func (m *MongoDB) SavePayment(ctx context.Context, payment entity.PaymentSettings) error {
	filter := bson.D{{Key: "_id", Value: entity.SettingsID}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "payment", Value: payment}}}}
	return m.updateSettings(ctx, filter, update)
}

func (m *MongoDB) updateSettings(ctx context.Context, filter, update bson.D) error {
	result, err := m.collection(collectionSettings).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongodb update settings: %w", err)
	}
	if result.MatchedCount == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (m *MongoDB) SaveAudit(ctx context.Context, e *entity.AuditEntry) error {
	_, err := m.collection(collectionAudit).InsertOne(ctx, e)
	return err
}

func (m *MongoDB) AuditLog(ctx context.Context, limit int) ([]*entity.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.collection(collectionAudit).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find audit: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*entity.AuditEntry
	if err = cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *MongoDB) SaveUser(ctx context.Context, user *entity.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	filter := bson.D{{Key: "token", Value: user.Token}}
	_, err := m.collection(collectionUsers).ReplaceOne(ctx, filter, user, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoDB) GetUser(token string) (*entity.User, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var user entity.User
	err := m.collection(collectionUsers).FindOne(ctx, bson.D{{Key: "token", Value: token}}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find user: %w", err)
	}
	return &user, nil
}
