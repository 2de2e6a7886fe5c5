package credstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"listingwatcher/internal/model"
)

type fakeCredStore struct {
	byKey    map[string]model.ServiceCredential
	invalids map[primitive.ObjectID]string
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{
		byKey:    map[string]model.ServiceCredential{},
		invalids: map[primitive.ObjectID]string{},
	}
}

func key(userID, serviceID primitive.ObjectID) string {
	return userID.Hex() + "/" + serviceID.Hex()
}

func (s *fakeCredStore) CredentialFind(_ context.Context, userID, serviceID primitive.ObjectID) (model.ServiceCredential, error) {
	c, ok := s.byKey[key(userID, serviceID)]
	if !ok {
		return model.ServiceCredential{}, mongo.ErrNoDocuments
	}
	return c, nil
}

func (s *fakeCredStore) CredentialUpsert(_ context.Context, c model.ServiceCredential) error {
	if c.ID.IsZero() {
		c.ID = primitive.NewObjectID()
	}
	s.byKey[key(c.UserID, c.ServiceID)] = c
	return nil
}

func (s *fakeCredStore) CredentialMarkInvalid(_ context.Context, id primitive.ObjectID, reason string) error {
	s.invalids[id] = reason
	return nil
}

func testStore() *Store {
	var k [32]byte
	copy(k[:], "0123456789abcdef0123456789abcdef")
	return &Store{DB: newFakeCredStore(), Key: k}
}

func TestSealOpenRoundtrip(t *testing.T) {
	s := testStore()
	sealed, err := s.Seal("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hunter2", "plaintext must not appear in the sealed box")

	plain, err := s.open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	// Each seal uses a fresh nonce.
	sealed2, err := s.Seal("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestOpenRejectsWrongKeyAndGarbage(t *testing.T) {
	s := testStore()
	sealed, err := s.Seal("secret")
	require.NoError(t, err)

	other := testStore()
	other.Key[0] ^= 0xff
	_, err = other.open(sealed)
	assert.Error(t, err)

	_, err = s.open([]byte("short"))
	assert.Error(t, err)
}

func TestPutGetRoundtrip(t *testing.T) {
	s := testStore()
	userID, serviceID := primitive.NewObjectID(), primitive.NewObjectID()

	require.NoError(t, s.Put(context.Background(), userID, serviceID, "alice", "hunter2"))
	c, err := s.Get(context.Background(), userID, serviceID)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username)
	assert.Equal(t, "hunter2", c.Password)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := testStore()
	_, err := s.Get(context.Background(), primitive.NewObjectID(), primitive.NewObjectID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetInvalidCredential(t *testing.T) {
	s := testStore()
	db := s.DB.(*fakeCredStore)
	userID, serviceID := primitive.NewObjectID(), primitive.NewObjectID()

	require.NoError(t, s.Put(context.Background(), userID, serviceID, "alice", "hunter2"))
	c := db.byKey[key(userID, serviceID)]
	c.Invalid = true
	c.InvalidReason = "login repeatedly rejected by service"
	db.byKey[key(userID, serviceID)] = c

	_, err := s.Get(context.Background(), userID, serviceID)
	assert.ErrorIs(t, err, ErrInvalid)
}
