package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	defaultMongoDatabase   = "mongolock"
	defaultMongoCollection = "lock"
)

// mongoRecord is the document layout: _id is the lock key, and the fields of
// a free record are stored as nulls.
type mongoRecord struct {
	Key     string     `bson:"_id"`
	Locked  bool       `bson:"locked"`
	Owner   *string    `bson:"owner"`
	Created *time.Time `bson:"created"`
	Expire  *time.Time `bson:"expire"`
}

func toMongoRecord(rec Record) mongoRecord {
	doc := mongoRecord{Key: rec.Key, Locked: rec.Locked}
	if rec.Owner != "" {
		doc.Owner = &rec.Owner
	}
	if !rec.Created.IsZero() {
		created := rec.Created
		doc.Created = &created
	}
	if !rec.Expire.IsZero() {
		expire := rec.Expire
		doc.Expire = &expire
	}
	return doc
}

func (doc mongoRecord) toRecord() Record {
	rec := Record{Key: doc.Key, Locked: doc.Locked}
	if doc.Owner != nil {
		rec.Owner = *doc.Owner
	}
	if doc.Created != nil {
		rec.Created = *doc.Created
	}
	if doc.Expire != nil {
		rec.Expire = *doc.Expire
	}
	return rec
}

// Mongo implements Backend on a MongoDB collection. Inserts rely on the
// unique _id index for the identity invariant and conditional updates on the
// server applying the query and the update as one atomic operation per
// document.
type Mongo struct {
	coll *mongo.Collection
}

// MongoOption configures a Mongo backend.
type MongoOption func(*mongoOptions)

type mongoOptions struct {
	database   string
	collection string
}

// WithMongoDatabase sets the database name. The default is "mongolock".
func WithMongoDatabase(name string) MongoOption {
	return func(o *mongoOptions) {
		o.database = name
	}
}

// WithMongoCollection sets the collection name. The default is "lock".
func WithMongoCollection(name string) MongoOption {
	return func(o *mongoOptions) {
		o.collection = name
	}
}

// NewMongo returns a Mongo backend using the provided client.
func NewMongo(client *mongo.Client, opts ...MongoOption) *Mongo {
	o := mongoOptions{database: defaultMongoDatabase, collection: defaultMongoCollection}
	for _, opt := range opts {
		opt(&o)
	}
	return &Mongo{coll: client.Database(o.database).Collection(o.collection)}
}

// Insert implements Backend.Insert.
func (m *Mongo) Insert(ctx context.Context, rec Record) error {
	_, err := m.coll.InsertOne(ctx, toMongoRecord(rec))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	return err
}

func mongoFilter(f Filter) bson.M {
	if !f.FreeOrExpiredAt.IsZero() {
		// $lt never matches a null expire, so a held lock without expiry is
		// not stealable.
		return bson.M{"$or": bson.A{
			bson.M{"_id": f.Key, "locked": false},
			bson.M{"_id": f.Key, "expire": bson.M{"$lt": f.FreeOrExpiredAt}},
		}}
	}
	query := bson.M{"_id": f.Key}
	if f.Owner != nil {
		query["owner"] = *f.Owner
	}
	if f.IfLocked != nil {
		query["locked"] = *f.IfLocked
	}
	return query
}

func mongoMutation(mut Mutation) bson.M {
	if mut.Replace != nil {
		doc := toMongoRecord(*mut.Replace)
		return bson.M{"$set": bson.M{
			"locked":  doc.Locked,
			"owner":   doc.Owner,
			"created": doc.Created,
			"expire":  doc.Expire,
		}}
	}
	return bson.M{"$set": bson.M{"expire": mut.SetExpire}}
}

// Update implements Backend.Update.
func (m *Mongo) Update(ctx context.Context, f Filter, mut Mutation) (int64, error) {
	res, err := m.coll.UpdateMany(ctx, mongoFilter(f), mongoMutation(mut))
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

// FindOne implements Backend.FindOne.
func (m *Mongo) FindOne(ctx context.Context, f Filter) (*Record, error) {
	var doc mongoRecord
	err := m.coll.FindOne(ctx, mongoFilter(f)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := doc.toRecord()
	return &rec, nil
}
