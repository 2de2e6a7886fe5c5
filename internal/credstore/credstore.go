// Package credstore is the decrypt-on-demand access point for marketplace
// credentials. Passwords are sealed with secretbox before they reach the
// database and only opened here, right before a login.
package credstore

import (
	"context"
	"crypto/rand"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/crypto/nacl/secretbox"

	"listingwatcher/internal/model"
)

var (
	ErrNotFound = errors.New("credential not found")
	ErrInvalid  = errors.New("credential marked invalid")
)

type store interface {
	CredentialFind(ctx context.Context, userID, serviceID primitive.ObjectID) (model.ServiceCredential, error)
	CredentialUpsert(ctx context.Context, c model.ServiceCredential) error
	CredentialMarkInvalid(ctx context.Context, credentialID primitive.ObjectID, reason string) error
}

// Credential is a decrypted login pair, valid only in memory.
type Credential struct {
	ID       primitive.ObjectID
	Username string
	Password string
}

type Store struct {
	DB  store
	Key [32]byte
}

// Seal encrypts a plaintext password for storage. The random nonce is
// prepended to the box.
func (s *Store) Seal(password string) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errors.Wrap(err, "error generating secretbox nonce")
	}
	return secretbox.Seal(nonce[:], []byte(password), &nonce, &s.Key), nil
}

func (s *Store) open(sealed []byte) (string, error) {
	if len(sealed) < 24 {
		return "", errors.Errorf("sealed credential too short: %d bytes", len(sealed))
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.Key)
	if !ok {
		return "", errors.New("secretbox open failed, wrong seal key or corrupt ciphertext")
	}
	return string(plain), nil
}

// Get returns the decrypted credential for a (user, service) pair.
func (s *Store) Get(ctx context.Context, userID, serviceID primitive.ObjectID) (Credential, error) {
	c, err := s.DB.CredentialFind(ctx, userID, serviceID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Credential{}, errors.Wrapf(ErrNotFound, "UserID: %s, ServiceID: %s", userID.Hex(), serviceID.Hex())
		}
		return Credential{}, err
	}
	if c.Invalid {
		return Credential{}, errors.Wrapf(ErrInvalid, "UserID: %s, ServiceID: %s, reason: %s",
			userID.Hex(), serviceID.Hex(), c.InvalidReason)
	}
	password, err := s.open(c.PasswordSealed)
	if err != nil {
		return Credential{}, errors.Wrapf(err, "error opening sealed credential, ID: %s", c.ID.Hex())
	}
	return Credential{ID: c.ID, Username: c.Username, Password: password}, nil
}

// Put seals and stores a credential, clearing any previous invalid flag.
func (s *Store) Put(ctx context.Context, userID, serviceID primitive.ObjectID, username, password string) error {
	sealed, err := s.Seal(password)
	if err != nil {
		return err
	}
	return s.DB.CredentialUpsert(ctx, model.ServiceCredential{
		UserID:         userID,
		ServiceID:      serviceID,
		Username:       username,
		PasswordSealed: sealed,
	})
}

// MarkInvalid soft-invalidates a credential after repeated login failures.
func (s *Store) MarkInvalid(ctx context.Context, credentialID primitive.ObjectID, reason string) error {
	return s.DB.CredentialMarkInvalid(ctx, credentialID, reason)
}
