package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"zchat/internal/domain"
)

type userDoc struct {
	ID             int64     `bson:"_id"`
	Email          string    `bson:"email"`
	FirstName      string    `bson:"first_name"`
	LastName       string    `bson:"last_name"`
	HashedPassword string    `bson:"hashed_password"`
	CreatedAt      time.Time `bson:"created_at"`
	LastSeen       time.Time `bson:"last_seen"`
}

func (d *userDoc) toDomain() *domain.User {
	return &domain.User{
		ID:             d.ID,
		Email:          d.Email,
		FirstName:      d.FirstName,
		LastName:       d.LastName,
		HashedPassword: d.HashedPassword,
		CreatedAt:      d.CreatedAt,
		LastSeen:       d.LastSeen,
	}
}

type UserRepo struct {
	db *mongo.Database
}

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{db: db}
}

var _ domain.UserRepository = (*UserRepo)(nil)

func (r *UserRepo) coll() *mongo.Collection { return r.db.Collection(colUsers) }

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	id, err := nextID(ctx, r.db, colUsers)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := userDoc{
		ID:             id,
		Email:          u.Email,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		HashedPassword: u.HashedPassword,
		CreatedAt:      now,
		LastSeen:       now,
	}
	if _, err := r.coll().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrEmailTaken
		}
		return storeErr("insert user", err)
	}
	u.ID, u.CreatedAt, u.LastSeen = id, now, now
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *UserRepo) findOne(ctx context.Context, filter bson.M) (*domain.User, error) {
	var doc userDoc
	err := r.coll().FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get user", err)
	}
	return doc.toDomain(), nil
}

func (r *UserRepo) ListByIDs(ctx context.Context, ids []int64) ([]*domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.find(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (r *UserRepo) List(ctx context.Context, offset, limit int) ([]*domain.User, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "first_name", Value: 1}, {Key: "last_name", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	return r.find(ctx, bson.M{}, opts)
}

func (r *UserRepo) ListIDs(ctx context.Context) ([]int64, error) {
	users, err := r.find(ctx, bson.M{}, options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids, nil
}

func (r *UserRepo) TouchLastSeen(ctx context.Context, id int64) error {
	_, err := r.coll().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_seen": time.Now().UTC()}})
	return storeErr("touch last seen", err)
}

func (r *UserRepo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*domain.User, error) {
	cur, err := r.coll().Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr("list users", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("decode users", err)
	}
	users := make([]*domain.User, len(docs))
	for i := range docs {
		users[i] = docs[i].toDomain()
	}
	return users, nil
}
