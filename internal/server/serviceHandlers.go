package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"listingwatcher/internal/database"
	"listingwatcher/internal/model"
)

func (s Server) serviceGetAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ss, err := s.DB.ServicesFindAll(r.Context())
		if err != nil {
			s.Logger.Errorf("serviceGetAll: Error finding Services, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if ss == nil {
			ss = []model.Service{}
		}
		s.writeJsonResponse(w, ss, http.StatusOK)
	}
}

// credentialPut stores or replaces the caller's login for a service. The
// password is sealed before it touches the database and never comes back out
// through the API.
func (s Server) credentialPut() http.HandlerFunc {
	type request struct {
		ServiceID string `json:"service_id"`
		Username  string `json:"username"`
		Password  string `json:"password"`
	}
	type response struct {
		Success bool `json:"success"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("credentialPut: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		req := request{}
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Logger.Debugf("credentialPut: Error decoding JSON, err: %v", err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if req.Username == "" || req.Password == "" {
			http.Error(w, "Missing username or password", http.StatusBadRequest)
			return
		}
		serviceID, err := primitive.ObjectIDFromHex(req.ServiceID)
		if err != nil {
			http.Error(w, "Invalid service_id", http.StatusBadRequest)
			return
		}
		if _, err = s.DB.ServiceFindByID(r.Context(), serviceID); err != nil {
			s.Logger.Debugf("credentialPut: Error finding Service, err: %v", err)
			http.Error(w, "Unknown service_id", http.StatusUnprocessableEntity)
			return
		}

		if err = s.Creds.Put(r.Context(), uc.user.ID, serviceID, req.Username, req.Password); err != nil {
			s.Logger.Errorf("credentialPut: Error storing ServiceCredential, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.writeJsonResponse(w, response{Success: true}, http.StatusOK)
	}
}

// credentialStatus reports whether a usable credential exists for a service,
// without exposing any part of it beyond the username.
func (s Server) credentialStatus() http.HandlerFunc {
	type response struct {
		Exists        bool   `json:"exists"`
		Username      string `json:"username,omitempty"`
		Invalid       bool   `json:"invalid"`
		InvalidReason string `json:"invalid_reason,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("credentialStatus: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		serviceID, err := objectIDFromVar(mux.Vars(r), "serviceID")
		if err != nil {
			http.Error(w, "Invalid serviceID", http.StatusBadRequest)
			return
		}

		c, err := s.DB.CredentialFind(r.Context(), uc.user.ID, serviceID)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				s.writeJsonResponse(w, response{Exists: false}, http.StatusOK)
				return
			}
			s.Logger.Errorf("credentialStatus: Error finding ServiceCredential, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.writeJsonResponse(w, response{
			Exists:        true,
			Username:      c.Username,
			Invalid:       c.Invalid,
			InvalidReason: c.InvalidReason,
		}, http.StatusOK)
	}
}

func (s Server) credentialDelete() http.HandlerFunc {
	type response struct {
		Success bool `json:"success"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("credentialDelete: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		serviceID, err := objectIDFromVar(mux.Vars(r), "serviceID")
		if err != nil {
			http.Error(w, "Invalid serviceID", http.StatusBadRequest)
			return
		}

		if err = s.DB.CredentialDelete(r.Context(), uc.user.ID, serviceID); err != nil {
			if errors.Is(err, database.ErrNoDocumentsModified) {
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}
			s.Logger.Errorf("credentialDelete: Error deleting ServiceCredential, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.writeJsonResponse(w, response{Success: true}, http.StatusOK)
	}
}
