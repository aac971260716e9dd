// Package httpapi exposes the workflow engine over HTTP and websockets.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/dispatch"
	"github.com/example/fleetxchange/internal/models"
	"github.com/example/fleetxchange/internal/verification"
	"github.com/example/fleetxchange/internal/workflow"
)

const maxBodyBytes = 1 << 20

type Deps struct {
	Engine    *workflow.Engine
	Documents *verification.Service
	Gate      workflow.Gate
	Hub       *dispatch.Hub
	Auth      *Authenticator
	Logger    *slog.Logger
}

type Server struct {
	engine   *workflow.Engine
	docs     *verification.Service
	gate     workflow.Gate
	hub      *dispatch.Hub
	auth     *Authenticator
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		engine: d.Engine,
		docs:   d.Documents,
		gate:   d.Gate,
		hub:    d.Hub,
		auth:   d.Auth,
		logger: d.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/loads", s.handleCreateLoad).Methods("POST")
	api.HandleFunc("/loads", s.handleListLoads).Methods("GET")
	api.HandleFunc("/loads/deleted", s.handleListDeletedLoads).Methods("GET")
	api.HandleFunc("/loads/nearby", s.handleNearbyLoads).Methods("GET")
	api.HandleFunc("/loads/{id}", s.handleGetLoad).Methods("GET")
	api.HandleFunc("/loads/{id}", s.handleUpdateLoad).Methods("PUT")
	api.HandleFunc("/loads/{id}", s.handleDeleteLoad).Methods("DELETE")
	api.HandleFunc("/loads/{id}/status", s.handleUpdateLoadStatus).Methods("PUT")
	api.HandleFunc("/loads/{id}/restore", s.handleRestoreLoad).Methods("PUT")

	api.HandleFunc("/loads/{id}/bids", s.handlePlaceBid).Methods("POST")
	api.HandleFunc("/loads/{id}/bids", s.handleListBids).Methods("GET")
	api.HandleFunc("/bids", s.handleListOwnBids).Methods("GET")
	api.HandleFunc("/bids/{id}", s.handleUpdateBid).Methods("PUT")
	api.HandleFunc("/bids/{id}/accept", s.handleAcceptBid).Methods("PUT")
	api.HandleFunc("/bids/{id}/reject", s.handleRejectBid).Methods("PUT")
	api.HandleFunc("/bids/{id}/withdraw", s.handleWithdrawBid).Methods("PUT")

	api.HandleFunc("/loads/{id}/pods", s.handleUploadPOD).Methods("POST")
	api.HandleFunc("/loads/{id}/pods", s.handleListPODs).Methods("GET")
	api.HandleFunc("/pods/{id}/review", s.handleReviewPOD).Methods("PUT")

	api.HandleFunc("/loads/{id}/invoices/transporter", s.handleSubmitTransporterInvoice).Methods("POST")
	api.HandleFunc("/loads/{id}/invoices/client", s.handleGenerateClientInvoice).Methods("POST")
	api.HandleFunc("/loads/{id}/invoices", s.handleListInvoices).Methods("GET")
	api.HandleFunc("/invoices/{id}/review", s.handleReviewInvoice).Methods("PUT")

	api.HandleFunc("/invoices/{id}/payments", s.handleInitiatePayment).Methods("POST")
	api.HandleFunc("/payments/{id}/status", s.handleUpdatePaymentStatus).Methods("PUT")
	api.HandleFunc("/loads/{id}/payments", s.handleListPayments).Methods("GET")

	api.HandleFunc("/documents", s.handleSubmitDocument).Methods("POST")
	api.HandleFunc("/documents", s.handleListDocuments).Methods("GET")
	api.HandleFunc("/documents/{id}/verify", s.handleVerifyDocument).Methods("PUT")
	api.HandleFunc("/eligibility", s.handleEligibility).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodePreconditionFailed:
		return http.StatusUnprocessableEntity
	case apperrors.CodeConflict:
		return http.StatusConflict
	case apperrors.CodeForbidden, apperrors.CodeNotEligible:
		return http.StatusForbidden
	case apperrors.CodeInvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	msg := err.Error()
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	if code == apperrors.CodeInternal {
		s.logger.Error("request failed", append([]any{"error", err, "route", routeTemplate(r)}, logFields(r.Context())...)...)
		msg = "internal error"
	}
	writeJSON(w, httpStatus(code), errorBody{Error: msg, Code: string(code)})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.InvalidArgument("invalid request body: " + err.Error())
	}
	return nil
}

type reviewRequest struct {
	Decision models.Decision `json:"decision"`
}

func (rr reviewRequest) approve() (bool, error) {
	switch rr.Decision {
	case models.DecisionApproved:
		return true, nil
	case models.DecisionRejected:
		return false, nil
	}
	return false, apperrors.InvalidArgument("decision must be APPROVED or REJECTED")
}

type statusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, err := s.auth.FromRequest(r, true)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "UNAUTHENTICATED"})
		return
	}
	setActor(r.Context(), actor)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "account_id", actor.ID, "error", err)
		return
	}
	s.hub.Serve(r.Context(), conn, actor)
}

func (s *Server) handleSubmitDocument(w http.ResponseWriter, r *http.Request) {
	var in verification.DocumentInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.docs.Submit(r.Context(), actorFromContext(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.docs.List(r.Context(), actorFromContext(r.Context()), r.URL.Query().Get("account_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleVerifyDocument(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := models.ParseVerificationStatus(req.Status)
	if err != nil {
		s.writeError(w, r, apperrors.InvalidArgument(err.Error()))
		return
	}
	doc, err := s.docs.Review(r.Context(), actorFromContext(r.Context()), mux.Vars(r)["id"], status, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	post, err := s.gate.CanPostLoad(r.Context(), actor.ID)
	if err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.CodeInternal, "eligibility check", err))
		return
	}
	bid, err := s.gate.CanPlaceBid(r.Context(), actor.ID)
	if err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.CodeInternal, "eligibility check", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": actor.ID, "can_post_load": post, "can_place_bid": bid})
}
