package server

import (
	"encoding/json"
	"net/http"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func (s Server) writeJsonResponse(w http.ResponseWriter, response any, statusCode int) {
	if resp, err := json.Marshal(response); err != nil {
		s.Logger.Errorf("Error encoding response: %+v, err: %v", response, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	} else {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(statusCode)
		if _, err = w.Write(resp); err != nil {
			s.Logger.Errorf("Error writing JSON response: %s, err: %v", resp, err)
		}
	}
}

func (s Server) notFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Logger.Debugf("notFoundHandler: Requested resource not found, TraceID: %s", getTraceContext(r.Context()).traceID)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

func (s Server) healthHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Scheduler bool   `json:"scheduler"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{Status: "ok", Scheduler: s.Sched.Healthy()}
		code := http.StatusOK
		if !resp.Scheduler {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		s.writeJsonResponse(w, resp, code)
	}
}

// objectIDFromVar parses a {xxxID} mux path variable into an ObjectID.
func objectIDFromVar(vars map[string]string, name string) (primitive.ObjectID, error) {
	return primitive.ObjectIDFromHex(vars[name])
}
