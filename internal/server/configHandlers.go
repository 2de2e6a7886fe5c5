package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/model"
)

func (s Server) configAdd() http.HandlerFunc {
	type request struct {
		ServiceID          string            `json:"service_id"`
		Keywords           []string          `json:"keywords"`
		PriceMin           *int              `json:"price_min"`
		PriceMax           *int              `json:"price_max"`
		Location           string            `json:"location"`
		CustomFilters      map[string]string `json:"custom_filters"`
		IntervalSeconds    int               `json:"interval_seconds"`
		RandomRangeSeconds int               `json:"random_range_seconds"`
	}
	type response struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("configAdd: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		req := request{}
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Logger.Debugf("configAdd: Error decoding JSON, err: %v", err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		serviceID, err := primitive.ObjectIDFromHex(req.ServiceID)
		if err != nil {
			http.Error(w, "Invalid service_id", http.StatusBadRequest)
			return
		}
		if _, err = s.DB.ServiceFindByID(r.Context(), serviceID); err != nil {
			s.Logger.Debugf("configAdd: Error finding Service, err: %v", err)
			http.Error(w, "Unknown service_id", http.StatusUnprocessableEntity)
			return
		}
		// A config without a usable credential would only burn scheduler runs.
		if _, err = s.Creds.Get(r.Context(), uc.user.ID, serviceID); err != nil {
			s.Logger.Debugf("configAdd: No usable ServiceCredential, err: %v", err)
			http.Error(w, "No valid credential stored for this service", http.StatusUnprocessableEntity)
			return
		}

		sc := model.SearchConfig{
			UserID:             uc.user.ID,
			ServiceID:          serviceID,
			Keywords:           req.Keywords,
			PriceMin:           req.PriceMin,
			PriceMax:           req.PriceMax,
			Location:           req.Location,
			CustomFilters:      req.CustomFilters,
			IntervalSeconds:    req.IntervalSeconds,
			RandomRangeSeconds: req.RandomRangeSeconds,
			Enabled:            true,
		}
		if err = sc.Validate(); err != nil {
			s.Logger.Debugf("configAdd: Invalid SearchConfig, err: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		id, err := s.DB.SearchConfigInsert(r.Context(), sc)
		if err != nil {
			s.Logger.Errorf("configAdd: Error inserting SearchConfig, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		sc.ID, _ = primitive.ObjectIDFromHex(id)
		s.Sched.OnConfigChanged(sc)
		s.writeJsonResponse(w, response{Success: true, ID: id}, http.StatusCreated)
	}
}

func (s Server) configUpdate() http.HandlerFunc {
	type request struct {
		ID                 string            `json:"id"`
		Keywords           []string          `json:"keywords"`
		PriceMin           *int              `json:"price_min"`
		PriceMax           *int              `json:"price_max"`
		Location           string            `json:"location"`
		CustomFilters      map[string]string `json:"custom_filters"`
		IntervalSeconds    int               `json:"interval_seconds"`
		RandomRangeSeconds int               `json:"random_range_seconds"`
		Enabled            bool              `json:"enabled"`
	}
	type response struct {
		Success bool `json:"success"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("configUpdate: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		req := request{}
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Logger.Debugf("configUpdate: Error decoding JSON, err: %v", err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		id, err := primitive.ObjectIDFromHex(req.ID)
		if err != nil {
			http.Error(w, "Invalid id", http.StatusBadRequest)
			return
		}

		existing, err := s.DB.SearchConfigFindByID(r.Context(), id)
		if err != nil || existing.UserID != uc.user.ID {
			s.Logger.Debugf("configUpdate: SearchConfig not found for UserID: %s, err: %v", uc.user.ID.Hex(), err)
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}

		sc := existing
		sc.Keywords = req.Keywords
		sc.PriceMin = req.PriceMin
		sc.PriceMax = req.PriceMax
		sc.Location = req.Location
		sc.CustomFilters = req.CustomFilters
		sc.IntervalSeconds = req.IntervalSeconds
		sc.RandomRangeSeconds = req.RandomRangeSeconds
		sc.Enabled = req.Enabled
		if sc.Enabled {
			// Re-enabling clears the auto-disable reason and failure streak.
			sc.DisabledReason = ""
			sc.ConsecutiveFailures = 0
		}
		if err = sc.Validate(); err != nil {
			s.Logger.Debugf("configUpdate: Invalid SearchConfig, err: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err = s.DB.SearchConfigUserUpdate(r.Context(), sc); err != nil {
			s.Logger.Errorf("configUpdate: Error updating SearchConfig, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.Sched.OnConfigChanged(sc)
		s.writeJsonResponse(w, response{Success: true}, http.StatusOK)
	}
}

func (s Server) configGetAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("configGetAll: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		scs, err := s.DB.SearchConfigsFindByUser(r.Context(), uc.user.ID)
		if err != nil {
			s.Logger.Errorf("configGetAll: Error finding SearchConfigs, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if scs == nil {
			scs = []model.SearchConfig{}
		}
		s.writeJsonResponse(w, scs, http.StatusOK)
	}
}

// configRunNow queues an immediate run, out of band of the normal cadence.
func (s Server) configRunNow() http.HandlerFunc {
	type response struct {
		Success bool `json:"success"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("configRunNow: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		id, err := objectIDFromVar(mux.Vars(r), "configID")
		if err != nil {
			http.Error(w, "Invalid configID", http.StatusBadRequest)
			return
		}
		sc, err := s.DB.SearchConfigFindByID(r.Context(), id)
		if err != nil || sc.UserID != uc.user.ID {
			s.Logger.Debugf("configRunNow: SearchConfig not found for UserID: %s, err: %v", uc.user.ID.Hex(), err)
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if !sc.Enabled {
			http.Error(w, "SearchConfig is disabled", http.StatusUnprocessableEntity)
			return
		}
		s.Sched.ScheduleNow(sc.ID)
		s.writeJsonResponse(w, response{Success: true}, http.StatusAccepted)
	}
}

// configListings returns the listings this config has surfaced to the user,
// newest notification first.
func (s Server) configListings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := getUserContext(r.Context())
		if err != nil {
			s.Logger.Errorf("configListings: Error getting userContext, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		id, err := objectIDFromVar(mux.Vars(r), "configID")
		if err != nil {
			http.Error(w, "Invalid configID", http.StatusBadRequest)
			return
		}

		ns, err := s.DB.NotificationsFindByConfig(r.Context(), uc.user.ID, id, 100)
		if err != nil {
			s.Logger.Errorf("configListings: Error finding Notifications, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		listingIDs := make([]primitive.ObjectID, 0, len(ns))
		for _, n := range ns {
			listingIDs = append(listingIDs, n.ListingID)
		}
		ls, err := s.DB.ListingsFind(r.Context(), listingIDs)
		if err != nil {
			s.Logger.Errorf("configListings: Error finding Listings, err: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if ls == nil {
			ls = []model.Listing{}
		}
		s.writeJsonResponse(w, ls, http.StatusOK)
	}
}
