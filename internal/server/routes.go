package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMw, s.maxBytesMw)

	r.HandleFunc("/health", s.healthHandler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/user/register", s.userRegister()).Methods(http.MethodPost)
	api.HandleFunc("/user/login", s.userLogin()).Methods(http.MethodPost)

	userAPI := api.PathPrefix("/user").Subrouter()
	userAPI.Use(s.authMw)
	userAPI.HandleFunc("/logout", s.userLogout()).Methods(http.MethodPost)
	userAPI.HandleFunc("/info", s.userInfo()).Methods(http.MethodPost)

	deviceAPI := api.PathPrefix("/device").Subrouter()
	deviceAPI.Use(s.authMw)
	deviceAPI.HandleFunc("/get", s.deviceGetAll()).Methods(http.MethodGet)
	deviceAPI.HandleFunc("/register", s.deviceRegister()).Methods(http.MethodPost)
	deviceAPI.HandleFunc("/unregister", s.deviceUnregister()).Methods(http.MethodPost)

	serviceAPI := api.PathPrefix("/service").Subrouter()
	serviceAPI.Use(s.authMw)
	serviceAPI.HandleFunc("/get", s.serviceGetAll()).Methods(http.MethodGet)
	serviceAPI.HandleFunc("/credential", s.credentialPut()).Methods(http.MethodPost)
	serviceAPI.HandleFunc("/credential/{serviceID}", s.credentialStatus()).Methods(http.MethodGet)
	serviceAPI.HandleFunc("/credential/{serviceID}", s.credentialDelete()).Methods(http.MethodDelete)

	configAPI := api.PathPrefix("/config").Subrouter()
	configAPI.Use(s.authMw)
	configAPI.HandleFunc("/add", s.configAdd()).Methods(http.MethodPost)
	configAPI.HandleFunc("/update", s.configUpdate()).Methods(http.MethodPost)
	configAPI.HandleFunc("/get", s.configGetAll()).Methods(http.MethodGet)
	configAPI.HandleFunc("/run/{configID}", s.configRunNow()).Methods(http.MethodPost)
	configAPI.HandleFunc("/listings/{configID}", s.configListings()).Methods(http.MethodGet)

	listingAPI := api.PathPrefix("/listing").Subrouter()
	listingAPI.Use(s.authMw)
	listingAPI.HandleFunc("/mark-spam", s.listingMark("marked_spam")).Methods(http.MethodPost)
	listingAPI.HandleFunc("/mark-success", s.listingMark("marked_success")).Methods(http.MethodPost)

	notificationAPI := api.PathPrefix("/notification").Subrouter()
	notificationAPI.Use(s.authMw)
	notificationAPI.HandleFunc("/get", s.notificationGetAll()).Methods(http.MethodGet)
	notificationAPI.HandleFunc("/read/{notificationID}", s.notificationMarkRead()).Methods(http.MethodPost)

	api.PathPrefix("").HandlerFunc(s.notFoundHandler())
	return r
}
