package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/mail"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/crypto/bcrypt"

	"listingwatcher/internal/model"
)

func devicePlatform(s string) (model.DevicePlatform, bool) {
	switch model.DevicePlatform(s) {
	case model.PlatformIOS:
		return model.PlatformIOS, true
	case model.PlatformAndroid:
		return model.PlatformAndroid, true
	}
	return "", false
}

func (s Server) userRegister() http.HandlerFunc {
	type request struct {
		Name      string `json:"name"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		DeviceID  string `json:"device_id"`
		Platform  string `json:"platform"`
		PushToken string `json:"push_token"`
	}
	type response struct {
		Success    bool   `json:"success"`
		LoginToken string `json:"login_token"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		req := request{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Logger.Debugf("userRegister: Error decoding JSON, err: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, err := mail.ParseAddress(req.Email)
		if err != nil {
			s.Logger.Debugf("userRegister: Invalid email, err: %v", err)
			http.Error(w, "Invalid email", http.StatusBadRequest)
			return
		}
		platform, ok := devicePlatform(req.Platform)
		if !ok {
			http.Error(w, "Invalid platform", http.StatusBadRequest)
			return
		}
		password, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			s.Logger.Errorf("userRegister: Error generating bcrypt from password, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		d := model.Device{
			DeviceID:  req.DeviceID,
			Platform:  platform,
			PushToken: req.PushToken,
			Active:    true,
			CreatedAt: primitive.NewDateTimeFromTime(time.Now()),
		}
		u := model.User{
			Name:     req.Name,
			Email:    req.Email,
			Password: password,
			Devices:  []model.Device{d},
		}

		id, err := s.DB.UserInsert(r.Context(), u)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				s.Logger.Debugf("userRegister: Error duplicate key when inserting User, err: %v", err)
				http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
				return
			}
			s.Logger.Errorf("userRegister: Error inserting User, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		lt, exp, tokenHash, err := s.createLoginTokenAndHash(id, req.DeviceID)
		if err != nil {
			s.Logger.Errorf("userRegister: Error creating login token for User, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		d.LoginToken = model.LoginToken{
			Token:      tokenHash,
			Expiration: primitive.NewDateTimeFromTime(exp),
			CreatedAt:  primitive.NewDateTimeFromTime(time.Now()),
		}
		d.LastSeen = primitive.NewDateTimeFromTime(time.Now())
		if err = s.DB.UserDeviceUpsert(r.Context(), id, d); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				s.Logger.Debugf("userRegister: Error duplicate key when updating Device on User, err: %v", err)
				http.Error(w, "Invalid push_token", http.StatusBadRequest)
				return
			}
			s.Logger.Errorf("userRegister: Error updating Device on User, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.writeJsonResponse(w, response{
			Success:    true,
			LoginToken: lt,
		}, http.StatusCreated)
	}
}

func (s Server) userLogin() http.HandlerFunc {
	type request struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		DeviceID  string `json:"device_id"`
		Platform  string `json:"platform"`
		PushToken string `json:"push_token"`
	}
	type response struct {
		LoginToken string `json:"login_token"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		req := request{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Logger.Debugf("userLogin: Error decoding JSON, err: %v", err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		platform, ok := devicePlatform(req.Platform)
		if !ok {
			http.Error(w, "Invalid platform", http.StatusBadRequest)
			return
		}

		u, err := s.DB.UserFindByEmail(r.Context(), req.Email)
		if err != nil {
			s.Logger.Debugf("userLogin: Error finding User, err: %v", err)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		err = bcrypt.CompareHashAndPassword(u.Password, []byte(req.Password))
		if err != nil {
			s.Logger.Debugf("userLogin: Error comparing hash and password for User with email: %s, err: %v", u.Email, err)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		lt, exp, tokenHash, err := s.createLoginTokenAndHash(u.ID.Hex(), req.DeviceID)
		if err != nil {
			s.Logger.Errorf("userLogin: Error creating login token for User, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		d := model.Device{
			DeviceID:  req.DeviceID,
			Platform:  platform,
			PushToken: req.PushToken,
			Active:    true,
			LoginToken: model.LoginToken{
				Token:      tokenHash,
				Expiration: primitive.NewDateTimeFromTime(exp),
				CreatedAt:  primitive.NewDateTimeFromTime(time.Now()),
			},
			LastSeen:  primitive.NewDateTimeFromTime(time.Now()),
			CreatedAt: primitive.NewDateTimeFromTime(time.Now()),
		}
		for _, existing := range u.Devices {
			if existing.DeviceID == req.DeviceID {
				d.CreatedAt = existing.CreatedAt
				break
			}
		}
		if err = s.DB.UserDeviceUpsert(r.Context(), u.ID.Hex(), d); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				s.Logger.Debugf("userLogin: Error duplicate key when upserting Device on User, err: %v", err)
				http.Error(w, "Invalid push_token", http.StatusBadRequest)
				return
			}
			s.Logger.Errorf("userLogin: Error upserting Device on User, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.writeJsonResponse(w, response{LoginToken: lt}, http.StatusOK)
	}
}

func (s Server) userLogout() http.HandlerFunc {
	type response struct {
		Success bool `json:"success"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("userLogout: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		if err = s.DB.UserDeviceTokensClear(r.Context(), uc.user.ID.Hex(), uc.deviceID); err != nil {
			s.Logger.Errorf("userLogout: Error clearing Device tokens, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.writeJsonResponse(w, response{Success: true}, http.StatusOK)
	}
}

func (s Server) userInfo() http.HandlerFunc {
	type request struct {
		PushToken string `json:"push_token"`
	}
	type response struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("userInfo: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		req := request{}
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Logger.Debugf("userInfo: Error decoding JSON, err: %v", err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		var current model.Device
		for _, d := range uc.user.Devices {
			if d.DeviceID == uc.deviceID {
				current = d
			}
		}

		if req.PushToken != "" && req.PushToken != current.PushToken {
			current.PushToken = req.PushToken
			current.Active = true
			if err = s.DB.UserDeviceUpsert(r.Context(), uc.user.ID.Hex(), current); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					s.Logger.Debugf("userInfo: Error duplicate key when updating Device PushToken, err: %v", err)
					http.Error(w, "Invalid push_token", http.StatusBadRequest)
					return
				}
				s.Logger.Errorf("userInfo: Error updating Device PushToken, err: %v", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
		}
		s.writeJsonResponse(w, response{
			Name:  uc.user.Name,
			Email: uc.user.Email,
		}, http.StatusOK)
	}
}

func (s Server) deviceGetAll() http.HandlerFunc {
	type deviceInfo struct {
		DeviceID string               `json:"device_id"`
		Platform model.DevicePlatform `json:"platform"`
		Active   bool                 `json:"active"`
		LastSeen primitive.DateTime   `json:"last_seen"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("deviceGetAll: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		devices := make([]deviceInfo, 0, len(uc.user.Devices))
		for _, d := range uc.user.Devices {
			devices = append(devices, deviceInfo{
				DeviceID: d.DeviceID,
				Platform: d.Platform,
				Active:   d.Active,
				LastSeen: d.LastSeen,
			})
		}
		s.writeJsonResponse(w, devices, http.StatusOK)
	}
}

// deviceRegister activates push delivery for the calling device, replacing
// its push token.
func (s Server) deviceRegister() http.HandlerFunc {
	type request struct {
		PushToken string `json:"push_token"`
	}
	type response struct {
		Success bool `json:"success"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("deviceRegister: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		req := request{}
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Logger.Debugf("deviceRegister: Error decoding JSON, err: %v", err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if req.PushToken == "" {
			http.Error(w, "Missing push_token", http.StatusBadRequest)
			return
		}

		var current model.Device
		for _, d := range uc.user.Devices {
			if d.DeviceID == uc.deviceID {
				current = d
			}
		}
		current.PushToken = req.PushToken
		current.Active = true
		if err = s.DB.UserDeviceUpsert(r.Context(), uc.user.ID.Hex(), current); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				s.Logger.Debugf("deviceRegister: Error duplicate key when upserting Device, err: %v", err)
				http.Error(w, "Invalid push_token", http.StatusBadRequest)
				return
			}
			s.Logger.Errorf("deviceRegister: Error upserting Device, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.writeJsonResponse(w, response{Success: true}, http.StatusOK)
	}
}

// deviceUnregister deactivates push delivery for the calling device. The
// login session stays valid.
func (s Server) deviceUnregister() http.HandlerFunc {
	type response struct {
		Success bool `json:"success"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("deviceUnregister: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if err = s.DB.UserDeviceDeactivate(r.Context(), uc.user.ID, uc.deviceID); err != nil {
			s.Logger.Errorf("deviceUnregister: Error deactivating Device, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.writeJsonResponse(w, response{Success: true}, http.StatusOK)
	}
}

func (s Server) createLoginTokenAndHash(userID string, deviceID string) (string, time.Time, []byte, error) {
	exp := time.Now().AddDate(0, 0, 90)
	salt := make([]byte, 128)
	if _, err := rand.Read(salt); err != nil {
		return "", exp, nil, errors.Wrapf(err, "error generating salt for login token for UserID: %s, DeviceID: %s", userID, deviceID)
	}
	t, err := jwt.NewBuilder().
		Subject(userID).
		Issuer("listing-watcher").
		Expiration(exp).
		Claim("device", deviceID).
		Claim("s", base64.StdEncoding.EncodeToString(salt)).
		Build()
	if err != nil {
		return "", exp, nil, errors.Wrapf(err, "error creating login token for UserID: %s, DeviceID: %s", userID, deviceID)
	}
	lt, err := jwt.Sign(t, jwt.WithKey(jwa.HS256, s.AuthSecretKey))
	if err != nil {
		return "", exp, nil, errors.Wrapf(err, "error signing login token for UserID: %s, DeviceID: %s", userID, deviceID)
	}
	tokenHash := sha256.New()
	tokenHash.Write(lt)
	bcryptTokenHash, err := bcrypt.GenerateFromPassword(tokenHash.Sum(nil), bcrypt.DefaultCost-3)
	if err != nil {
		return "", exp, nil, errors.Wrapf(err, "error generating bcrypt from login token hash for UserID: %s, DeviceID: %s", userID, deviceID)
	}
	return string(lt), t.Expiration(), bcryptTokenHash, nil
}
