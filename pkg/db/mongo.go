package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on MongoDB. Version numbers come from a
// counter document bumped with $inc, so concurrent writers never receive the
// same number. Without a replica-set transaction a failed snapshot insert
// after the bump leaves a gap; numbers are still never reused.
type MongoStore struct {
	client       *mongo.Client
	sessions     *mongo.Collection
	participants *mongo.Collection
	versions     *mongo.Collection
	counters     *mongo.Collection
	events       *mongo.Collection
}

// NewMongoStore connects to MongoDB and ensures the indexes exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:       client,
		sessions:     db.Collection("collab_sessions"),
		participants: db.Collection("collab_participants"),
		versions:     db.Collection("document_versions"),
		counters:     db.Collection("document_version_counters"),
		events:       db.Collection("collab_events"),
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

// EnsureIndexes creates the unique and lookup indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetName("idx_sessions_session_id").SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.participants.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetName("idx_participants_session_user").SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.versions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "document_type", Value: 1}, {Key: "document_id", Value: 1}, {Key: "version", Value: -1}},
			Options: options.Index().SetName("idx_versions_document").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetName("idx_versions_session"),
		},
	}); err != nil {
		return err
	}
	_, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: 1}},
		Options: options.Index().SetName("idx_events_session_time"),
	})
	return err
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// BSON datetimes carry millisecond precision.
func mongoNow() time.Time {
	return now().Truncate(time.Millisecond)
}

func (s *MongoStore) CreateSession(ctx context.Context, in *Session) (*Session, error) {
	sess := *in
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.SessionID == "" {
		sess.SessionID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = StatusPaused
	}
	ts := mongoNow()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = ts
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = ts
	}

	if _, err := s.sessions.InsertOne(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &sess, nil
}

func (s *MongoStore) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *MongoStore) UpdateSession(ctx context.Context, sessionID string, patch *SessionPatch) error {
	set := bson.M{}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.LastActivity != nil {
		set["last_activity"] = patch.LastActivity.UTC()
	}
	if len(set) == 0 {
		return nil
	}

	res, err := s.sessions.UpdateOne(ctx, bson.M{"session_id": sessionID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *MongoStore) CreateParticipant(ctx context.Context, in *Participant) (*Participant, error) {
	p := *in
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = mongoNow()
	}
	if _, err := s.participants.InsertOne(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}
	return &p, nil
}

func (s *MongoStore) UpdateParticipant(ctx context.Context, id string, patch *ParticipantPatch) error {
	set := bson.M{}
	if patch.IsActive != nil {
		set["is_active"] = *patch.IsActive
	}
	if patch.Color != nil {
		set["color"] = *patch.Color
	}
	if patch.JoinedAt != nil {
		set["joined_at"] = patch.JoinedAt.UTC()
	}
	if patch.ClearLeftAt {
		set["left_at"] = nil
	} else if patch.LeftAt != nil {
		set["left_at"] = patch.LeftAt.UTC()
	}
	if len(set) == 0 {
		return nil
	}

	res, err := s.participants.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (s *MongoStore) GetActiveParticipant(ctx context.Context, sessionID, userID string) (*Participant, error) {
	return s.findParticipant(ctx, bson.M{"session_id": sessionID, "user_id": userID, "is_active": true})
}

func (s *MongoStore) GetParticipant(ctx context.Context, sessionID, userID string) (*Participant, error) {
	return s.findParticipant(ctx, bson.M{"session_id": sessionID, "user_id": userID})
}

func (s *MongoStore) findParticipant(ctx context.Context, filter bson.M) (*Participant, error) {
	var p Participant
	if err := s.participants.FindOne(ctx, filter).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return &p, nil
}

func (s *MongoStore) ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error) {
	cur, err := s.participants.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "joined_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer cur.Close(ctx)

	var participants []*Participant
	if err := cur.All(ctx, &participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	return participants, nil
}

type versionCounter struct {
	LastVersion int64 `bson:"last_version"`
}

func (s *MongoStore) nextVersion(ctx context.Context, documentType, documentID string) (int64, error) {
	filter := bson.M{"_id": bson.D{
		{Key: "document_type", Value: documentType},
		{Key: "document_id", Value: documentID},
	}}
	update := bson.M{"$inc": bson.M{"last_version": int64(1)}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter versionCounter
	err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if mongo.IsDuplicateKeyError(err) {
		// two first-time upserts raced; the loser retries against the
		// document the winner created
		err = s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	}
	if err != nil {
		return 0, err
	}
	return counter.LastVersion, nil
}

func (s *MongoStore) CreateDocumentVersion(ctx context.Context, in *DocumentVersion) (*DocumentVersion, error) {
	v := *in
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = mongoNow()
	}

	version, err := s.nextVersion(ctx, v.DocumentType, v.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate version: %w", err)
	}
	v.Version = version

	if _, err := s.versions.InsertOne(ctx, v); err != nil {
		return nil, fmt.Errorf("failed to insert document version: %w", err)
	}
	return &v, nil
}

func (s *MongoStore) GetLatestDocumentVersion(ctx context.Context, documentType, documentID string) (*DocumentVersion, error) {
	var v DocumentVersion
	err := s.versions.FindOne(ctx,
		bson.M{"document_type": documentType, "document_id": documentID},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}),
	).Decode(&v)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("failed to get latest document version: %w", err)
	}
	return &v, nil
}

func (s *MongoStore) ListDocumentVersions(ctx context.Context, filter VersionFilter) ([]*DocumentVersion, error) {
	q := bson.M{}
	if filter.DocumentType != "" {
		q["document_type"] = filter.DocumentType
	}
	if filter.DocumentID != "" {
		q["document_id"] = filter.DocumentID
	}
	if filter.SessionID != "" {
		q["session_id"] = filter.SessionID
	}

	opts := options.Find().SetSort(bson.D{{Key: "version", Value: -1}, {Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.versions.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list document versions: %w", err)
	}
	defer cur.Close(ctx)

	var versions []*DocumentVersion
	if err := cur.All(ctx, &versions); err != nil {
		return nil, fmt.Errorf("failed to decode document versions: %w", err)
	}
	return versions, nil
}

func (s *MongoStore) CreateEvent(ctx context.Context, in *Event) (*Event, error) {
	e := *in
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = mongoNow()
	}
	if _, err := s.events.InsertOne(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	return &e, nil
}

func (s *MongoStore) ListEvents(ctx context.Context, sessionID string, since *time.Time, limit int) ([]*Event, error) {
	q := bson.M{"session_id": sessionID}
	if since != nil {
		q["timestamp"] = bson.M{"$gt": since.UTC()}
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.events.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer cur.Close(ctx)

	var events []*Event
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

var _ Store = (*MongoStore)(nil)
