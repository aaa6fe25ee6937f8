package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mesh-maas/pkg/marketplace"
)

func actor(r *http.Request) marketplace.Actor {
	p := principal(r)
	return marketplace.Actor{ID: p.ID, Admin: p.IsAdmin()}
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) error {
	var req marketplace.ListingCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return badRequest("invalid payload")
	}
	l, err := s.market.Create(r.Context(), actor(r), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, l)
	return nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	f := marketplace.Filter{Region: q.Get("region")}
	if v := q.Get("max_price"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return badRequest("max_price must be a number")
		}
		f.MaxPrice = p
	}
	if v := q.Get("min_bandwidth"); v != "" {
		b, err := strconv.Atoi(v)
		if err != nil {
			return badRequest("min_bandwidth must be an integer")
		}
		f.MinBandwidth = b
	}
	writeJSON(w, http.StatusOK, s.market.Search(f))
	return nil
}

func (s *Server) handleRent(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	meshID := q.Get("mesh_id")
	if meshID == "" {
		meshID = q.Get("meshId")
	}
	if meshID == "" {
		return badRequest("mesh_id is required")
	}
	hours := 1
	if v := q.Get("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil {
			return badRequest("hours must be an integer")
		}
		hours = h
	}
	res, err := s.market.Rent(r.Context(), actor(r), chi.URLParam(r, "listingId"), meshID, hours)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) error {
	listingID := chi.URLParam(r, "listingId")
	esc, err := s.market.Release(r.Context(), actor(r), listingID)
	if err != nil {
		return err
	}
	resp := map[string]interface{}{"status": "released", "listing_id": listingID, "escrow_id": esc.ID}
	if esc.ReleasedAt != nil {
		resp["released_at"] = esc.ReleasedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) error {
	listingID := chi.URLParam(r, "listingId")
	esc, err := s.market.Refund(r.Context(), actor(r), listingID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refunded", "listing_id": listingID, "escrow_id": esc.ID})
	return nil
}

func (s *Server) handleCancelListing(w http.ResponseWriter, r *http.Request) error {
	if err := s.market.Cancel(r.Context(), actor(r), chi.URLParam(r, "listingId")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	return nil
}
