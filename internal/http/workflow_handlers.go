package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/models"
	"github.com/example/fleetxchange/internal/workflow"
)

// respond writes v with status, or the mapped error.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

func pathID(r *http.Request) string { return mux.Vars(r)["id"] }

func (s *Server) handleCreateLoad(w http.ResponseWriter, r *http.Request) {
	var in workflow.LoadInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.engine.CreateLoad(r.Context(), actorFromContext(r.Context()), in)
	s.respond(w, r, http.StatusCreated, l, err)
}

func (s *Server) handleListLoads(w http.ResponseWriter, r *http.Request) {
	var q workflow.LoadQuery
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := models.ParseLoadStatus(v)
		if err != nil {
			s.writeError(w, r, apperrors.InvalidArgument(err.Error()))
			return
		}
		q.Status = st
	}
	loads, err := s.engine.ListLoads(r.Context(), actorFromContext(r.Context()), q)
	s.respond(w, r, http.StatusOK, loads, err)
}

func (s *Server) handleListDeletedLoads(w http.ResponseWriter, r *http.Request) {
	loads, err := s.engine.ListDeletedLoads(r.Context(), actorFromContext(r.Context()))
	s.respond(w, r, http.StatusOK, loads, err)
}

func queryFloat(r *http.Request, key string) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, apperrors.InvalidArgument(key + " is required")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apperrors.InvalidArgument(key + " must be a number")
	}
	return f, nil
}

func (s *Server) handleNearbyLoads(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, err := queryFloat(r, "lon")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := queryFloat(r, "radius_km")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	loads, err := s.engine.NearbyLoads(r.Context(), actorFromContext(r.Context()), models.Coord{Lat: lat, Lon: lon}, radius, limit)
	s.respond(w, r, http.StatusOK, loads, err)
}

func (s *Server) handleGetLoad(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.GetLoad(r.Context(), actorFromContext(r.Context()), pathID(r))
	s.respond(w, r, http.StatusOK, l, err)
}

func (s *Server) handleUpdateLoad(w http.ResponseWriter, r *http.Request) {
	var p workflow.LoadPatch
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.engine.UpdateLoad(r.Context(), actorFromContext(r.Context()), pathID(r), p)
	s.respond(w, r, http.StatusOK, l, err)
}

func (s *Server) handleUpdateLoadStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := models.ParseLoadStatus(req.Status)
	if err != nil {
		s.writeError(w, r, apperrors.InvalidArgument(err.Error()))
		return
	}
	l, err := s.engine.UpdateLoadStatus(r.Context(), actorFromContext(r.Context()), pathID(r), to)
	s.respond(w, r, http.StatusOK, l, err)
}

func (s *Server) handleDeleteLoad(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.DeleteLoad(r.Context(), actorFromContext(r.Context()), pathID(r))
	s.respond(w, r, http.StatusOK, l, err)
}

func (s *Server) handleRestoreLoad(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.RestoreLoad(r.Context(), actorFromContext(r.Context()), pathID(r))
	s.respond(w, r, http.StatusOK, l, err)
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var in workflow.BidInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.PlaceBid(r.Context(), actorFromContext(r.Context()), pathID(r), in)
	s.respond(w, r, http.StatusCreated, b, err)
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.engine.ListBids(r.Context(), actorFromContext(r.Context()), pathID(r))
	s.respond(w, r, http.StatusOK, bids, err)
}

func (s *Server) handleListOwnBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.engine.ListBids(r.Context(), actorFromContext(r.Context()), "")
	s.respond(w, r, http.StatusOK, bids, err)
}

func (s *Server) handleUpdateBid(w http.ResponseWriter, r *http.Request) {
	var p workflow.BidPatch
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.UpdateBid(r.Context(), actorFromContext(r.Context()), pathID(r), p)
	s.respond(w, r, http.StatusOK, b, err)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.AcceptBid(r.Context(), actorFromContext(r.Context()), pathID(r))
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *Server) handleRejectBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.RejectBid(r.Context(), actorFromContext(r.Context()), pathID(r))
	s.respond(w, r, http.StatusOK, b, err)
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.WithdrawBid(r.Context(), actorFromContext(r.Context()), pathID(r))
	s.respond(w, r, http.StatusOK, b, err)
}

func (s *Server) handleUploadPOD(w http.ResponseWriter, r *http.Request) {
	var in workflow.PODInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	pod, err := s.engine.UploadPOD(r.Context(), actorFromContext(r.Context()), pathID(r), in)
	s.respond(w, r, http.StatusCreated, pod, err)
}

func (s *Server) handleListPODs(w http.ResponseWriter, r *http.Request) {
	pods, err := s.engine.ListPODs(r.Context(), actorFromContext(r.Context()), pathID(r))
	s.respond(w, r, http.StatusOK, pods, err)
}

func (s *Server) handleReviewPOD(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	approve, err := req.approve()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pod, err := s.engine.ReviewPOD(r.Context(), actorFromContext(r.Context()), pathID(r), approve)
	s.respond(w, r, http.StatusOK, pod, err)
}

func (s *Server) handleSubmitTransporterInvoice(w http.ResponseWriter, r *http.Request) {
	var in workflow.InvoiceInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	inv, err := s.engine.SubmitTransporterInvoice(r.Context(), actorFromContext(r.Context()), pathID(r), in)
	s.respond(w, r, http.StatusCreated, inv, err)
}

type clientInvoiceRequest struct {
	// CommissionPercent falls back to the configured default when omitted.
	CommissionPercent *float64 `json:"commission_percent"`
	Notes             string   `json:"notes"`
}

func (s *Server) handleGenerateClientInvoice(w http.ResponseWriter, r *http.Request) {
	var req clientInvoiceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	inv, err := s.engine.GenerateClientInvoice(r.Context(), actorFromContext(r.Context()), pathID(r), req.CommissionPercent, req.Notes)
	s.respond(w, r, http.StatusCreated, inv, err)
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	invs, err := s.engine.ListInvoices(r.Context(), actorFromContext(r.Context()), pathID(r))
	s.respond(w, r, http.StatusOK, invs, err)
}

func (s *Server) handleReviewInvoice(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	approve, err := req.approve()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	inv, err := s.engine.ReviewInvoice(r.Context(), actorFromContext(r.Context()), pathID(r), approve)
	s.respond(w, r, http.StatusOK, inv, err)
}

func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var in workflow.PaymentInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	pay, err := s.engine.InitiatePayment(r.Context(), actorFromContext(r.Context()), pathID(r), in)
	s.respond(w, r, http.StatusCreated, pay, err)
}

func (s *Server) handleUpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := models.ParsePaymentStatus(req.Status)
	if err != nil {
		s.writeError(w, r, apperrors.InvalidArgument(err.Error()))
		return
	}
	pay, err := s.engine.UpdatePaymentStatus(r.Context(), actorFromContext(r.Context()), pathID(r), to)
	s.respond(w, r, http.StatusOK, pay, err)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	pays, err := s.engine.ListPayments(r.Context(), actorFromContext(r.Context()), pathID(r))
	s.respond(w, r, http.StatusOK, pays, err)
}
