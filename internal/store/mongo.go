package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/joescharf/advisor/internal/models"
)

const (
	// DefaultMongoCollection holds one document per session.
	DefaultMongoCollection = "advisor_sessions"
	defaultMongoOpTimeout  = 5 * time.Second
)

// MongoStore implements Store on MongoDB. CompareAndSwap filters on both _id
// and version, so a write against a stale version matches nothing.
type MongoStore struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
	now     func() time.Time
}

type sessionDocument struct {
	ID           string                 `bson:"_id"`
	Messages     []messageDocument      `bson:"messages"`
	Pending      *clarificationDocument `bson:"pending_clarification,omitempty"`
	Version      int64                  `bson:"version"`
	MessageCount int                    `bson:"message_count"`
	Preview      string                 `bson:"preview"`
	CreatedAt    time.Time              `bson:"created_at"`
	UpdatedAt    time.Time              `bson:"updated_at"`
}

type messageDocument struct {
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	CreatedAt time.Time `bson:"created_at"`
}

type clarificationDocument struct {
	Question      string   `bson:"question"`
	Options       []string `bson:"options"`
	AllowFreeText bool     `bson:"allow_free_text"`
}

// NewMongoStore uses database/collection on a connected client and ensures
// the listing index exists.
func NewMongoStore(ctx context.Context, client *mongo.Client, database, collection string) (*MongoStore, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	if database == "" {
		return nil, errors.New("database name is required")
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	s := &MongoStore{
		client:  client,
		coll:    client.Database(database).Collection(collection),
		timeout: defaultMongoOpTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("ensure session index: %w", err)
	}
	return s, nil
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc sessionDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return doc.toSession(), nil
}

func (s *MongoStore) CreateIfAbsent(ctx context.Context, id string) (*models.Session, error) {
	now := s.now()
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Pure $setOnInsert: an existing session is never modified.
	update := bson.M{
		"$setOnInsert": bson.M{
			"messages":      bson.A{},
			"version":       int64(0),
			"message_count": 0,
			"preview":       "",
			"created_at":    now,
			"updated_at":    now,
		},
	}
	_, err := s.coll.UpdateOne(opCtx, bson.M{"_id": id}, update, options.UpdateOne().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *MongoStore) CompareAndSwap(ctx context.Context, id string, expected int64, next *models.Session) error {
	now := s.now()
	doc := newSessionDocument(next)

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{
		"messages":      doc.Messages,
		"version":       expected + 1,
		"message_count": doc.MessageCount,
		"preview":       doc.Preview,
		"updated_at":    now,
	}
	update := bson.M{"$set": set}
	if doc.Pending != nil {
		set["pending_clarification"] = doc.Pending
	} else {
		update["$unset"] = bson.M{"pending_clarification": ""}
	}

	res, err := s.coll.UpdateOne(opCtx, bson.M{"_id": id, "version": expected}, update)
	if err != nil {
		return fmt.Errorf("compare and swap: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.coll.CountDocuments(opCtx, bson.M{"_id": id})
		if err != nil {
			return fmt.Errorf("compare and swap: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("compare and swap %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("compare and swap %s (want %d): %w", id, expected, ErrVersionConflict)
	}

	next.Version = expected + 1
	next.UpdatedAt = now
	return nil
}

func (s *MongoStore) List(ctx context.Context, opts ListOptions) ([]models.SessionSummary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(opts.limit())).
		SetProjection(bson.M{"messages": 0})
	cur, err := s.coll.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	out := []models.SessionSummary{}
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		state := models.StateIdle
		if doc.Pending != nil {
			state = models.StateAwaitingClarification
		}
		out = append(out, models.SessionSummary{
			ID:           doc.ID,
			State:        state,
			MessageCount: doc.MessageCount,
			Preview:      doc.Preview,
			Version:      doc.Version,
			CreatedAt:    doc.CreatedAt,
			UpdatedAt:    doc.UpdatedAt,
		})
	}
	return out, cur.Err()
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func newSessionDocument(sess *models.Session) sessionDocument {
	doc := sessionDocument{
		ID:           sess.ID,
		Messages:     make([]messageDocument, len(sess.Messages)),
		Version:      sess.Version,
		MessageCount: len(sess.Messages),
		Preview:      models.Preview(sess.Messages),
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	}
	for i, m := range sess.Messages {
		doc.Messages[i] = messageDocument{Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt}
	}
	if sess.Pending != nil {
		doc.Pending = &clarificationDocument{
			Question:      sess.Pending.Question,
			Options:       append([]string{}, sess.Pending.Options...),
			AllowFreeText: sess.Pending.AllowFreeText,
		}
	}
	return doc
}

func (d sessionDocument) toSession() *models.Session {
	sess := &models.Session{
		ID:        d.ID,
		Messages:  make([]models.Message, len(d.Messages)),
		Version:   d.Version,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	for i, m := range d.Messages {
		sess.Messages[i] = models.Message{Role: models.Role(m.Role), Content: m.Content, CreatedAt: m.CreatedAt.UTC()}
	}
	if d.Pending != nil {
		sess.Pending = &models.Clarification{
			Question:      d.Pending.Question,
			Options:       append([]string{}, d.Pending.Options...),
			AllowFreeText: d.Pending.AllowFreeText,
		}
	}
	return sess
}
