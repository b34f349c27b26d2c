// internal/audit/callback_log.go
package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const callbackCollection = "callback_log"

// Entry is one webhook receipt, kept whether or not it was accepted.
type Entry struct {
	Provider      string    `bson:"provider" json:"provider"`
	EventID       string    `bson:"event_id,omitempty" json:"event_id,omitempty"`
	IntentID      string    `bson:"intent_id,omitempty" json:"intent_id,omitempty"`
	ClientRefID   string    `bson:"client_ref_id,omitempty" json:"client_ref_id,omitempty"`
	PaymentID     string    `bson:"payment_id,omitempty" json:"payment_id,omitempty"`
	Reported      string    `bson:"reported_status,omitempty" json:"reported_status,omitempty"`
	Authenticated bool      `bson:"authenticated" json:"authenticated"`
	Outcome       string    `bson:"outcome" json:"outcome"`
	Error         string    `bson:"error,omitempty" json:"error,omitempty"`
	RawBody       string    `bson:"raw_body" json:"-"`
	ReceivedAt    time.Time `bson:"received_at" json:"received_at"`
}

type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// MongoLog appends entries to the callback_log collection.
type MongoLog struct {
	collection *mongo.Collection
}

// Connect opens a client to uri and returns the log plus a close func.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoLog, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	log := NewMongoLog(client.Database(database).Collection(callbackCollection))
	if err := log.EnsureIndexes(ctx); err != nil {
		logger.Warn("failed to create callback log indexes", zap.Error(err))
	}
	return log, client.Disconnect, nil
}

func NewMongoLog(collection *mongo.Collection) *MongoLog {
	return &MongoLog{collection: collection}
}

// EnsureIndexes creates lookup indexes and a 180 day TTL on received_at.
func (l *MongoLog) EnsureIndexes(ctx context.Context) error {
	_, err := l.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "intent_id", Value: 1}}},
		{Keys: bson.D{{Key: "payment_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: "received_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(180 * 24 * 3600),
		},
	})
	return err
}

func (l *MongoLog) Record(ctx context.Context, entry Entry) error {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	if _, err := l.collection.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to record callback: %w", err)
	}
	return nil
}

// ForPayment returns the receipts for a payment, newest first.
func (l *MongoLog) ForPayment(ctx context.Context, paymentID string) ([]Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}}).SetLimit(100)
	cur, err := l.collection.Find(ctx, bson.M{"payment_id": paymentID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var entries []Entry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// LogRecorder writes entries to zap when no Mongo is configured.
type LogRecorder struct {
	logger *zap.Logger
}

func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(_ context.Context, entry Entry) error {
	r.logger.Info("callback received",
		zap.String("provider", entry.Provider),
		zap.String("intent_id", entry.IntentID),
		zap.String("payment_id", entry.PaymentID),
		zap.String("reported_status", entry.Reported),
		zap.Bool("authenticated", entry.Authenticated),
		zap.String("outcome", entry.Outcome),
		zap.String("error", entry.Error))
	return nil
}
