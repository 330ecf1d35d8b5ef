package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfeidau/tiered-cache/store/l2"
	"github.com/wolfeidau/tiered-cache/store/outbox"
	"github.com/wolfeidau/tiered-cache/store/vcache"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

const defaultSearchK = 10

type putVectorRequest struct {
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
}

type searchRequest struct {
	Vector    []float32 `json:"vector"`
	K         *int      `json:"k"`
	Threshold float64   `json:"threshold"`
}

type enqueueRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Metadata map[string]any  `json:"metadata"`
}

func (s *Server) handlePutVector(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "put")
	oid := r.PathValue("oid")

	var req putVectorRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	stored, err := s.cache.Put(oid, req.Vector, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, envelope{"oid": oid, "stored": stored})
}

// handleGetVector serves L1 first and falls back to L2 when configured.
func (s *Server) handleGetVector(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")
	oid := r.PathValue("oid")

	if entry, ok := s.cache.Get(oid); ok {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		writeOK(w, envelope{"tier": "l1", "entry": entry})
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheMiss)

	if s.l2 != nil {
		rec, err := s.l2.Get(r.Context(), oid)
		switch {
		case err == nil:
			writeOK(w, envelope{"tier": "l2", "entry": vcache.Entry{
				OID:         rec.OID,
				Vector:      rec.Vector,
				Metadata:    rec.Metadata,
				AccessCount: rec.AccessCount,
			}})
			return
		case !errors.Is(err, l2.ErrNotFound):
			s.writeError(w, r, err)
			return
		}
	}

	writeFailure(w, http.StatusNotFound, "not found")
}

func (s *Server) handleRemoveVector(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "remove")
	removed := s.cache.Remove(r.PathValue("oid"))
	writeOK(w, envelope{"removed": removed})
}

func (s *Server) handleClearVectors(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear")
	s.cache.Clear()
	writeOK(w, nil)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "search")

	var req searchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	k := defaultSearchK
	if req.K != nil {
		k = *req.K
	}

	writeOK(w, envelope{"results": s.cache.SearchSimilar(req.Vector, k, req.Threshold)})
}

func (s *Server) handlePeekPromotions(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "peek")
	writeOK(w, envelope{"promotions": s.cache.PeekPromotions()})
}

// handleDrainPromotions runs the promoter when one is configured so that
// drained candidates become outbox events; otherwise it returns them.
func (s *Server) handleDrainPromotions(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "drain")

	if s.promoter == nil {
		writeOK(w, envelope{"promotions": s.cache.DrainPromotions()})
		return
	}

	result, err := s.promoter.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, envelope{"result": result})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "enqueue")

	var req enqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	id, err := s.outbox.Enqueue(r.Context(), payload, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, envelope{"id": id})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "lookup")

	entry, state, err := s.outbox.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if state == outbox.StateNone {
		writeFailure(w, http.StatusNotFound, "not found")
		return
	}
	writeOK(w, envelope{"state": state, "entry": entry})
}

func (s *Server) handleFetchDLQ(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "dlq")

	limit, err := intQuery(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.outbox.FetchDLQ(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*outbox.Entry{}
	}
	writeOK(w, envelope{"entries": entries})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "purge")

	maxEntries, err := intQuery(r, "max", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	purged, err := s.outbox.PurgeProcessed(r.Context(), maxEntries)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, envelope{"purged": purged})
}
