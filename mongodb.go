package convo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/gorder"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	// ErrNotFound is returned when a document is not found.
	ErrNotFound = errm.New("not found")
	// ErrDuplicate is returned when a document already exists.
	ErrDuplicate = errm.New("duplicate")
)

const (
	usersCollection         = "users"
	chatsCollection         = "chats"
	conversationsCollection = "conversations"

	asyncWriteWorkers = 2
)

// DatabaseConfig contains the MongoDB connection settings.
//
// You can use environment variables to fill it:
// CONVO_DB_ADDRESS - MongoDB address
// CONVO_DB_NAME - database name
// CONVO_DB_USERNAME - MongoDB username
// CONVO_DB_PASSWORD - MongoDB password
type DatabaseConfig struct {
	// Address is the MongoDB address in ip:port format.
	Address string `yaml:"address" json:"address" env:"CONVO_DB_ADDRESS"`
	// DBName is the name of the MongoDB database.
	DBName string `yaml:"db_name" json:"db_name" env:"CONVO_DB_NAME"`
	// Username is the MongoDB username.
	Username string `yaml:"username" json:"username" env:"CONVO_DB_USERNAME"`
	// Password is the MongoDB password.
	Password string `yaml:"password" json:"password" env:"CONVO_DB_PASSWORD"`
}

// Validate validates database configuration.
func (cfg DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Address, validation.Required),
		validation.Field(&cfg.DBName, validation.Required),
		validation.Field(&cfg.Username, validation.Required.When(len(cfg.Password) > 0)),
		validation.Field(&cfg.Password, validation.Required.When(len(cfg.Username) > 0)),
	)
}

// MongoDB is a MongoDB client that hands out collections.
type MongoDB struct {
	database *mongo.Database
	client   *mongo.Client

	colls map[string]*Collection
	mu    sync.RWMutex
}

// NewMongo connects to MongoDB and pings the primary. Disconnect is
// registered on the shutdown context, so the caller does not close the
// client manually.
func NewMongo(ctx contem.Context, cfg DatabaseConfig) (*MongoDB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("mongodb://%s/%s", cfg.Address, cfg.DBName)
	opts := options.Client().ApplyURI(dsn)
	if len(cfg.Username) > 0 && len(cfg.Password) > 0 {
		opts.SetAuth(options.Credential{
			AuthMechanism: "SCRAM-SHA-256",
			AuthSource:    cfg.DBName,
			Username:      cfg.Username,
			Password:      cfg.Password,
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	ctx.Add(client.Disconnect)

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}

	return &MongoDB{
		database: client.Database(cfg.DBName),
		client:   client,
		colls:    make(map[string]*Collection),
	}, nil
}

// GetCollection returns a collection object by name.
// MongoDB creates the collection itself after the first query.
func (m *MongoDB) GetCollection(name string) *Collection {
	m.mu.RLock()
	coll, ok := m.colls[name]
	m.mu.RUnlock()

	if ok {
		return coll
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.colls[name] = &Collection{
		coll: m.database.Collection(name),
		name: name,
	}

	return m.colls[name]
}

// Collection handles interactions with a MongoDB collection.
type Collection struct {
	coll *mongo.Collection
	name string
}

// CreateIndex creates an index for the given field names.
func (m *Collection) CreateIndex(ctx context.Context, fieldNames ...string) error {
	return m.createIndex(ctx, fieldNames, false)
}

// CreateUniqueIndex creates a unique index for the given field names.
func (m *Collection) CreateUniqueIndex(ctx context.Context, fieldNames ...string) error {
	return m.createIndex(ctx, fieldNames, true)
}

// FindOne finds a single document matching the filter and decodes it into
// dest, which must be a pointer.
func (m *Collection) FindOne(ctx context.Context, dest any, filter Filter) error {
	result := m.coll.FindOne(ctx, prepareFilter(filter))
	err := result.Err()

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case err != nil:
		return err
	}

	if err := result.Decode(dest); err != nil {
		return errm.Wrap(err, "decode")
	}

	return nil
}

// FindMany finds all documents matching the filter.
func (m *Collection) FindMany(ctx context.Context, dest any, filter Filter) error {
	return m.find(ctx, dest, prepareFilter(filter))
}

// FindAll finds all documents in the collection.
func (m *Collection) FindAll(ctx context.Context, dest any) error {
	return m.find(ctx, dest, prepareFilter(nil))
}

// Insert inserts a document into the collection.
func (m *Collection) Insert(ctx context.Context, record any) error {
	_, err := m.coll.InsertOne(ctx, record)
	switch {
	case isDuplicateErr(err):
		return ErrDuplicate
	case err != nil:
		return err
	}
	return nil
}

// Replace replaces a document matching the filter, inserting it when no
// document matches.
func (m *Collection) Replace(ctx context.Context, record any, filter Filter) error {
	trueUpsert := true
	_, err := m.coll.ReplaceOne(ctx, prepareFilter(filter), record, &options.ReplaceOptions{
		Upsert: &trueUpsert,
	})
	if err != nil {
		return err
	}
	return nil
}

// SetFields sets fields in a document matching the filter.
// For example: {key1: value1} becomes {$set: {key1: value1}}
func (m *Collection) SetFields(ctx context.Context, filter Filter, update Updates) error {
	return m.updateOne(ctx, filter, prepareUpdate(update))
}

// Delete deletes a document matching the filter.
func (m *Collection) Delete(ctx context.Context, filter Filter) error {
	_, err := m.coll.DeleteOne(ctx, prepareFilter(filter))
	if err != nil {
		return err
	}
	return nil
}

func (m *Collection) createIndex(ctx context.Context, fieldNames []string, isUnique bool) error {
	indexModel := mongo.IndexModel{
		Options: options.Index().SetUnique(isUnique).SetName(m.name + "_" + strings.Join(fieldNames, "_") + "_index"),
	}

	keys := make(bson.D, 0, len(fieldNames))
	for _, field := range fieldNames {
		keys = append(keys, bson.E{
			Key:   field,
			Value: 1,
		})
	}
	indexModel.Keys = keys

	if _, err := m.coll.Indexes().CreateOne(ctx, indexModel); err != nil {
		return err
	}

	return nil
}

func (m *Collection) find(ctx context.Context, dest any, filter bson.M) error {
	cur, err := m.coll.Find(ctx, filter)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case err != nil:
		return err
	}
	defer cur.Close(ctx)

	if err := cur.All(ctx, dest); err != nil {
		return err
	}

	if err := cur.Err(); err != nil {
		return err
	}
	return nil
}

func (m *Collection) updateOne(ctx context.Context, filter Filter, update bson.M) error {
	updateResult, err := m.coll.UpdateOne(ctx, prepareFilter(filter), update)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments) || (updateResult != nil && updateResult.MatchedCount == 0):
		return ErrNotFound
	case err != nil:
		return err
	}
	return nil
}

// AsyncCollection wraps a Collection with a queue for write-behind tasks.
// Tasks pushed to the same queue key run in order, so writes to one entity
// never overtake each other.
type AsyncCollection struct {
	coll  *Collection
	queue *gorder.Gorder[string]
}

func newAsyncCollection(ctx contem.Context, coll *Collection, workers int, lg gorder.Logger) *AsyncCollection {
	q := gorder.NewWithOptions[string](ctx, gorder.Options{
		Workers:         workers,
		Log:             lg,
		ThrowOnShutdown: true,
		Retries:         10,
	})
	ctx.Add(q.Shutdown)

	return &AsyncCollection{
		coll:  coll,
		queue: q,
	}
}

// Replace adds a task into the queue to call Collection.Replace.
func (m *AsyncCollection) Replace(queue, name string, record any, filter Filter) {
	m.queue.Push(queue, name, func(ctx context.Context) error {
		return m.coll.Replace(ctx, record, filter)
	})
}

// SetFields adds a task into the queue to call Collection.SetFields.
func (m *AsyncCollection) SetFields(queue, name string, filter Filter, update Updates) {
	m.queue.Push(queue, name, func(ctx context.Context) error {
		return m.coll.SetFields(ctx, filter, update)
	})
}

// Delete adds a task into the queue to call Collection.Delete.
func (m *AsyncCollection) Delete(queue, name string, filter Filter) {
	m.queue.Push(queue, name, func(ctx context.Context) error {
		return m.coll.Delete(ctx, filter)
	})
}

// Filter is a map containing query operators to filter documents.
type Filter map[string]any

// NewFilter creates a new Filter based on pairs.
// Pairs must be in the form NewFilter(key1, value1, key2, value2, ...)
func NewFilter(pairs ...any) Filter {
	return newPairsMap(pairs...)
}

// Updates is a map containing fields to update.
type Updates map[string]any

// NewUpdates creates a new Updates based on pairs.
// Pairs must be in the form NewUpdates(key1, value1, key2, value2, ...)
func NewUpdates(pairs ...any) Updates {
	return newPairsMap(pairs...)
}

func newPairsMap(pairs ...any) map[string]any {
	out := make(map[string]any, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if ok && i+1 < len(pairs) {
			out[key] = pairs[i+1]
		}
	}
	return out
}

func prepareFilter(inputFilter Filter) bson.M {
	filter := make(bson.M, len(inputFilter))
	for k, v := range inputFilter {
		filter[k] = v
	}
	return filter
}

func prepareUpdate(update Updates) bson.M {
	upd := bson.D{}
	for k, v := range update {
		upd = append(upd, bson.E{Key: k, Value: v})
	}
	return bson.M{"$set": upd}
}

func isDuplicateErr(err error) bool {
	var e mongo.WriteException
	if errors.As(err, &e) {
		for _, we := range e.WriteErrors {
			if we.Code == 11000 {
				return true
			}
		}
	}
	return false
}

// mongoStorage implements Storage on top of MongoDB collections. Touches
// and dialog state writes go through write-behind queues keyed by entity,
// so the hot path never waits for the database.
type mongoStorage struct {
	db    *MongoDB
	users *Collection
	chats *Collection
	convs *Collection

	usersAsync *AsyncCollection
	chatsAsync *AsyncCollection
	convsAsync *AsyncCollection

	log Logger
}

// NewMongoStorage creates a Storage backed by MongoDB. The connection
// lifecycle is bound to the shutdown context: queues drain and the client
// disconnects when the context shuts down.
func NewMongoStorage(ctx contem.Context, cfg DatabaseConfig, log Logger) (Storage, error) {
	db, err := NewMongo(ctx, cfg)
	if err != nil {
		return nil, errm.Wrap(err, "connect")
	}
	if log == nil {
		log = NoopLogger{}
	}

	users := db.GetCollection(usersCollection)
	chats := db.GetCollection(chatsCollection)
	convs := db.GetCollection(conversationsCollection)

	return &mongoStorage{
		db:         db,
		users:      users,
		chats:      chats,
		convs:      convs,
		usersAsync: newAsyncCollection(ctx, users, asyncWriteWorkers, log),
		chatsAsync: newAsyncCollection(ctx, chats, asyncWriteWorkers, log),
		convsAsync: newAsyncCollection(ctx, convs, asyncWriteWorkers, log),
		log:        log,
	}, nil
}

func (s *mongoStorage) EnsureIndexes(ctx context.Context) error {
	if err := s.users.CreateUniqueIndex(ctx, "id"); err != nil {
		return errm.Wrap(err, "users index")
	}
	if err := s.chats.CreateUniqueIndex(ctx, "id"); err != nil {
		return errm.Wrap(err, "chats index")
	}
	if err := s.convs.CreateUniqueIndex(ctx, "name", "key"); err != nil {
		return errm.Wrap(err, "conversations index")
	}
	if err := s.convs.CreateIndex(ctx, "updated_at"); err != nil {
		return errm.Wrap(err, "conversations updated_at index")
	}
	s.log.Debug("storage indexes are ready")
	return nil
}

func (s *mongoStorage) UpsertUser(ctx context.Context, user UserRecord) error {
	return s.users.Replace(ctx, user, Filter{"id": user.ID})
}

func (s *mongoStorage) GetUser(ctx context.Context, id int64) (UserRecord, bool, error) {
	var user UserRecord
	err := s.users.FindOne(ctx, &user, Filter{"id": id})
	switch {
	case errm.Is(err, ErrNotFound):
		return UserRecord{}, false, nil
	case err != nil:
		return UserRecord{}, false, err
	}
	return user, true, nil
}

func (s *mongoStorage) ListUsers(ctx context.Context) ([]UserRecord, error) {
	var users []UserRecord
	err := s.users.FindAll(ctx, &users)
	switch {
	case errm.Is(err, ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return users, nil
}

func (s *mongoStorage) SetUserDisabled(ctx context.Context, id int64, disabled bool) error {
	err := s.users.SetFields(ctx, Filter{"id": id}, NewUpdates("disabled", disabled))
	if errm.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *mongoStorage) TouchUserAsync(id int64) {
	s.usersAsync.SetFields(strconv.FormatInt(id, 10), "touch_user",
		Filter{"id": id}, NewUpdates("last_seen_at", time.Now().UTC()))
}

func (s *mongoStorage) UpsertChat(ctx context.Context, chat ChatRecord) error {
	err := s.chats.Insert(ctx, chat)
	switch {
	case errm.Is(err, ErrDuplicate):
		return s.chats.SetFields(ctx, Filter{"id": chat.ID},
			NewUpdates("last_seen_at", chat.LastSeenAt, "title", chat.Title, "username", chat.Username))
	case err != nil:
		return err
	}
	return nil
}

func (s *mongoStorage) TouchChatAsync(id int64) {
	s.chatsAsync.SetFields(strconv.FormatInt(id, 10), "touch_chat",
		Filter{"id": id}, NewUpdates("last_seen_at", time.Now().UTC()))
}

func (s *mongoStorage) ListConversations(ctx context.Context, name string) ([]ConversationRecord, error) {
	var records []ConversationRecord
	err := s.convs.FindMany(ctx, &records, Filter{"name": name})
	switch {
	case errm.Is(err, ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return records, nil
}

func (s *mongoStorage) SaveConversationAsync(name, key, state string) {
	s.convsAsync.Replace(name+":"+key, "save_conversation",
		newConversationRecord(name, key, state), Filter{"name": name, "key": key})
}

func (s *mongoStorage) DeleteConversationAsync(name, key string) {
	s.convsAsync.Delete(name+":"+key, "delete_conversation", Filter{"name": name, "key": key})
}

// Close is a no-op: disconnect and queue shutdown are registered on the
// contem context passed to NewMongoStorage.
func (s *mongoStorage) Close(context.Context) error {
	return nil
}
