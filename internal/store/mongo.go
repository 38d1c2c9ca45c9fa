package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatgateway/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// 与旧版 Node 服务共用的集合结构：users 由注册接口写入，subject 为文档 _id。
type mongoUser struct {
	ID        primitive.ObjectID `bson:"_id"`
	UserID    string             `bson:"userId"`
	Username  string             `bson:"username"`
	Email     string             `bson:"email"`
	Password  string             `bson:"password,omitempty"`
	CreatedAt time.Time          `bson:"createdAt,omitempty"`
}

type mongoMessage struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Room       string             `bson:"room"`
	Sender     string             `bson:"sender"`
	SenderName string             `bson:"senderName,omitempty"`
	Message    string             `bson:"message"`
	CreatedAt  time.Time          `bson:"createdAt"`
}

var _ Store = (*MongoStore)(nil)

type MongoStore struct {
	users    *mongo.Collection
	messages *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{users: db.Collection("users"), messages: db.Collection("messages")}
}

// EnsureIndexes 为历史查询建立 (room, createdAt) 复合索引，并保证邮箱唯一，重复调用无副作用。
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room", Value: 1}, {Key: "createdAt", Value: -1}},
	}); err != nil {
		return err
	}
	_, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "userId", Value: 1}}},
	})
	return err
}

var userProjection = bson.M{"userId": 1, "username": 1, "email": 1}

func (s *MongoStore) ResolveIdentity(ctx context.Context, subject string) (models.Identity, error) {
	oid, err := primitive.ObjectIDFromHex(subject)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	return s.findUser(ctx, bson.M{"_id": oid})
}

func (s *MongoStore) FindByPublicID(ctx context.Context, publicID string) (models.Identity, error) {
	return s.findUser(ctx, bson.M{"userId": publicID})
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.M) (models.Identity, error) {
	var u mongoUser
	err := s.users.FindOne(ctx, filter, options.FindOne().SetProjection(userProjection)).Decode(&u)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Identity{}, ErrIdentityNotFound
		}
		return models.Identity{}, err
	}
	return models.Identity{PublicID: u.UserID, DisplayName: u.Username, Email: u.Email}, nil
}

func (s *MongoStore) CreateAccount(ctx context.Context, username, email, passwordHash string) (Account, error) {
	n, err := s.users.CountDocuments(ctx, bson.M{"email": email})
	if err != nil {
		return Account{}, err
	}
	if n > 0 {
		return Account{}, ErrEmailTaken
	}
	u := mongoUser{
		ID:        primitive.NewObjectID(),
		UserID:    newPublicID(),
		Username:  username,
		Email:     email,
		Password:  passwordHash,
		CreatedAt: time.Now(),
	}
	if _, err := s.users.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Account{}, ErrEmailTaken
		}
		return Account{}, err
	}
	return mongoAccount(u), nil
}

func (s *MongoStore) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	var u mongoUser
	if err := s.users.FindOne(ctx, bson.M{"email": email}).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, ErrIdentityNotFound
		}
		return Account{}, err
	}
	return mongoAccount(u), nil
}

func mongoAccount(u mongoUser) Account {
	return Account{
		Subject:      u.ID.Hex(),
		Identity:     models.Identity{PublicID: u.UserID, DisplayName: u.Username, Email: u.Email},
		PasswordHash: u.Password,
	}
}

func (s *MongoStore) SaveMessage(ctx context.Context, msg models.Message) (string, error) {
	doc := mongoMessage{
		Room:       msg.Room,
		Sender:     msg.SenderPublicID,
		SenderName: msg.SenderDisplayName,
		Message:    msg.Body,
		CreatedAt:  msg.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	res, err := s.messages.InsertOne(ctx, doc)
	if err != nil {
		return "", err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	return fmt.Sprint(res.InsertedID), nil
}

func (s *MongoStore) ListMessages(ctx context.Context, room string, limit int, before time.Time) ([]models.Message, error) {
	filter := bson.M{"room": room}
	if !before.IsZero() {
		filter["createdAt"] = bson.M{"$lt": before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(clampLimit(limit)))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, models.Message{
			Room:              d.Room,
			SenderPublicID:    d.Sender,
			SenderDisplayName: d.SenderName,
			Body:              d.Message,
			CreatedAt:         d.CreatedAt,
		})
	}
	reverse(msgs)
	return msgs, nil
}
