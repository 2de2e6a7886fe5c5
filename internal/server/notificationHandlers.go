package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/database"
	"listingwatcher/internal/model"
)

func (s Server) notificationGetAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("notificationGetAll: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		ns, err := s.DB.NotificationsFindByUser(r.Context(), uc.user.ID, 100)
		if err != nil {
			s.Logger.Errorf("notificationGetAll: Error finding Notifications, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if ns == nil {
			ns = []model.Notification{}
		}
		s.writeJsonResponse(w, ns, http.StatusOK)
	}
}

func (s Server) notificationMarkRead() http.HandlerFunc {
	type response struct {
		Success bool `json:"success"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("notificationMarkRead: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		id, err := objectIDFromVar(mux.Vars(r), "notificationID")
		if err != nil {
			http.Error(w, "Invalid notificationID", http.StatusBadRequest)
			return
		}
		if err = s.DB.NotificationMarkRead(r.Context(), uc.user.ID, id); err != nil {
			if errors.Is(err, database.ErrNoDocumentsModified) {
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}
			s.Logger.Errorf("notificationMarkRead: Error marking Notification read, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.writeJsonResponse(w, response{Success: true}, http.StatusOK)
	}
}

// listingMark flips one of the two moderation flags on a listing the user was
// notified about.
func (s Server) listingMark(flag string) http.HandlerFunc {
	type request struct {
		ListingID string `json:"listing_id"`
		Value     bool   `json:"value"`
	}
	type response struct {
		Success bool `json:"success"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("listingMark: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		req := request{}
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Logger.Debugf("listingMark: Error decoding JSON, err: %v", err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		id, err := primitive.ObjectIDFromHex(req.ListingID)
		if err != nil {
			http.Error(w, "Invalid listing_id", http.StatusBadRequest)
			return
		}

		if err = s.DB.ListingSetModerationFlag(r.Context(), id, flag, req.Value); err != nil {
			if errors.Is(err, database.ErrNoDocumentsModified) {
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}
			s.Logger.Errorf("listingMark: Error setting %s on Listing, err: %v", flag, err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.Logger.Infof("listingMark: UserID: %s set %s=%t on Listing %s", uc.user.ID.Hex(), flag, req.Value, id.Hex())
		s.writeJsonResponse(w, response{Success: true}, http.StatusOK)
	}
}
