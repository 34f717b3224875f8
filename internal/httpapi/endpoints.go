package httpapi

import (
	"net/http"

	"github.com/swaggo/swag"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/core"
	_ "pkt.systems/editlock/swagger/docs"
)

// handleList godoc
// @Summary      List locks
// @Description  Returns every fresh lock ordered by resource id.
// @Tags         locks
// @Produce      json
// @Success      200  {object}  api.ListResponse
// @Router       /locks [get]
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) error {
	locks, err := h.svc.List(r.Context())
	if err != nil {
		return err
	}
	resp := api.ListResponse{Locks: make([]api.Lock, 0, len(locks))}
	for _, l := range locks {
		resp.Locks = append(resp.Locks, *core.ToAPI(l))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// handleCheck godoc
// @Summary      Check lock
// @Description  Reports whether the resource is held by a fresh lock. Stale locks read as unlocked.
// @Tags         locks
// @Produce      json
// @Param        resourceId  path  string  true  "Resource id (path-escaped)"
// @Success      200  {object}  api.CheckResponse
// @Failure      400  {object}  api.ErrorResponse
// @Router       /locks/{resourceId} [get]
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) error {
	res, err := h.svc.Check(r.Context(), r.PathValue("resourceId"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.CheckResponse{Locked: res.Locked, Lock: core.ToAPI(res.Lock)}, nil)
	return nil
}

// handleAcquire godoc
// @Summary      Acquire lock
// @Description  Installs a lock for the caller when the slot is empty or stale. A conflict returns success=false with the current holder.
// @Tags         locks
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        resourceId  path  string            true   "Resource id (path-escaped)"
// @Param        request     body  api.LockRequest   false  "Optional session tag"
// @Success      200  {object}  api.AcquireResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      429  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /locks/{resourceId}/acquire [post]
func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) error {
	caller, err := h.caller(r)
	if err != nil {
		return err
	}
	res, err := h.svc.Acquire(r.Context(), core.LockCommand{ResourceID: r.PathValue("resourceId"), Caller: caller})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.AcquireResponse{Success: res.Success, Lock: core.ToAPI(res.Lock), Lease: h.lease(), Error: res.Code}, nil)
	return nil
}

// handleHeartbeat godoc
// @Summary      Heartbeat lock
// @Description  Extends the caller's lock. Fails with not_owner once the lock was taken over or released.
// @Tags         locks
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        resourceId  path  string           true   "Resource id (path-escaped)"
// @Param        request     body  api.LockRequest  false  "Optional session tag"
// @Success      200  {object}  api.HeartbeatResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /locks/{resourceId}/heartbeat [post]
func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) error {
	caller, err := h.caller(r)
	if err != nil {
		return err
	}
	res, err := h.svc.Heartbeat(r.Context(), core.LockCommand{ResourceID: r.PathValue("resourceId"), Caller: caller})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.HeartbeatResponse{Success: res.Success, Lock: core.ToAPI(res.Lock), Lease: h.lease(), Error: res.Code}, nil)
	return nil
}

// handleRelease godoc
// @Summary      Release lock
// @Description  Deletes the lock when the caller owns it. Always succeeds; released reports whether a record was removed.
// @Tags         locks
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        resourceId  path  string           true   "Resource id (path-escaped)"
// @Param        request     body  api.LockRequest  false  "Optional session tag"
// @Success      200  {object}  api.ReleaseResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /locks/{resourceId}/release [post]
func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	caller, err := h.caller(r)
	if err != nil {
		return err
	}
	res, err := h.svc.Release(r.Context(), core.LockCommand{ResourceID: r.PathValue("resourceId"), Caller: caller})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.ReleaseResponse{Success: true, Released: res.Released}, nil)
	return nil
}

// handleTakeover godoc
// @Summary      Take over lock
// @Description  Replaces the current holder with the caller, subject to the takeover policy. A refused takeover returns success=false, error=takeover_forbidden and the current lock.
// @Tags         locks
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        resourceId  path  string           true   "Resource id (path-escaped)"
// @Param        request     body  api.LockRequest  false  "Optional session tag"
// @Success      200  {object}  api.TakeoverResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      429  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /locks/{resourceId}/takeover [post]
func (h *Handler) handleTakeover(w http.ResponseWriter, r *http.Request) error {
	caller, err := h.caller(r)
	if err != nil {
		return err
	}
	res, err := h.svc.Takeover(r.Context(), core.LockCommand{ResourceID: r.PathValue("resourceId"), Caller: caller})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.TakeoverResponse{
		Success:  res.Success,
		Lock:     core.ToAPI(res.Lock),
		Previous: core.ToAPI(res.Previous),
		Lease:    h.lease(),
		Error:    res.Code,
	}, nil)
	return nil
}

// handleHealth godoc
// @Summary      Liveness probe
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Lease: h.lease()}, nil)
	return nil
}

// handleReady godoc
// @Summary      Readiness probe
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Failure      503  {object}  api.HealthResponse
// @Router       /readyz [get]
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: err.Error()}, nil)
			return nil
		}
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ready"}, nil)
	return nil
}

func (h *Handler) handleOpenAPI(w http.ResponseWriter, _ *http.Request) error {
	doc, err := swag.ReadDoc()
	if err != nil {
		return httpError{Status: http.StatusNotFound, Code: api.ErrCodeNotFound, Detail: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
	return nil
}

func (h *Handler) lease() *api.Lease {
	return &api.Lease{
		TTLMillis:               h.svc.LeaseTTL().Milliseconds(),
		HeartbeatIntervalMillis: h.svc.HeartbeatInterval().Milliseconds(),
	}
}
