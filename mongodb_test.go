package convo

import (
	"testing"

	"github.com/maxbolgarin/errm"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestDatabaseConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DatabaseConfig
		wantErr bool
	}{
		{"valid", DatabaseConfig{Address: "localhost:27017", DBName: "convo"}, false},
		{"valid with auth", DatabaseConfig{Address: "localhost:27017", DBName: "convo", Username: "u", Password: "p"}, false},
		{"no address", DatabaseConfig{DBName: "convo"}, true},
		{"no db name", DatabaseConfig{Address: "localhost:27017"}, true},
		{"password without username", DatabaseConfig{Address: "localhost:27017", DBName: "convo", Password: "p"}, true},
		{"username without password", DatabaseConfig{Address: "localhost:27017", DBName: "convo", Username: "u"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewFilter(t *testing.T) {
	f := NewFilter("id", int64(1), "name", "order")
	assert.Equal(t, Filter{"id": int64(1), "name": "order"}, f)

	// a trailing key without a value is dropped
	f = NewFilter("id", int64(1), "dangling")
	assert.Equal(t, Filter{"id": int64(1)}, f)

	// non-string keys are skipped
	f = NewFilter(42, "value")
	assert.Empty(t, f)
}

func TestPrepareFilter(t *testing.T) {
	assert.Equal(t, bson.M{}, prepareFilter(nil))
	assert.Equal(t, bson.M{"id": int64(5)}, prepareFilter(Filter{"id": int64(5)}))
}

func TestPrepareUpdate(t *testing.T) {
	upd := prepareUpdate(NewUpdates("disabled", true))
	assert.Equal(t, bson.M{"$set": bson.D{{Key: "disabled", Value: true}}}, upd)

	upd = prepareUpdate(NewUpdates("disabled", true, "registered", false))
	set, ok := upd["$set"].(bson.D)
	assert.True(t, ok)
	assert.ElementsMatch(t, bson.D{
		{Key: "disabled", Value: true},
		{Key: "registered", Value: false},
	}, set)
}

func TestIsDuplicateErr(t *testing.T) {
	assert.False(t, isDuplicateErr(nil))
	assert.False(t, isDuplicateErr(errm.New("some error")))
	assert.False(t, isDuplicateErr(mongo.WriteException{
		WriteErrors: []mongo.WriteError{{Code: 121}},
	}))
	assert.True(t, isDuplicateErr(mongo.WriteException{
		WriteErrors: []mongo.WriteError{{Code: 11000}},
	}))
}
