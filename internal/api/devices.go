package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetlab/fleetlab-core/internal/auth"
	"github.com/fleetlab/fleetlab-core/internal/device"
	"github.com/fleetlab/fleetlab-core/internal/group"
)

// handleListDevices returns all devices, with optional query filters.
//
// Query parameters:
//   - group_id: filter by current group
//   - provider_id: filter by serving provider
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if groupID := r.URL.Query().Get("group_id"); groupID != "" {
		devices, err := s.registry.ListByGroup(ctx, groupID)
		if err != nil {
			writeInternalError(w, "failed to list devices")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	if providerID := r.URL.Query().Get("provider_id"); providerID != "" {
		devices, err := s.registry.ListByProvider(ctx, providerID)
		if err != nil {
			writeInternalError(w, "failed to list devices")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	// No filter: return all devices
	devices, err := s.registry.ListDevices(ctx)
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by serial. Clients use this to
// re-synchronise after missed broadcasts; the response carries the
// authoritative seq.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	dev, err := s.registry.GetDevice(r.Context(), serial)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleGetGroup returns a single group by ID.
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	g, err := s.registry.GetGroup(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrGroupNotFound) {
			writeNotFound(w, "group not found")
			return
		}
		writeInternalError(w, "failed to get group")
		return
	}

	writeJSON(w, http.StatusOK, g)
}

// handleClaimDevice takes exclusive ownership of a device for the caller.
//
// The claim moves the device from its origin group into a freshly created
// user group. Responds 201 with the new group, or a typed conflict when
// the device is offline or already held.
func (s *Server) handleClaimDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	id, ok := callerIdentity(r.Context())
	if !ok {
		writeUnauthorized(w, "bearer token is required")
		return
	}

	g, err := s.coordinator.Claim(r.Context(), serial, id.email)
	if err != nil {
		s.writeClaimError(w, err)
		return
	}

	s.logger.Info("device claimed via API", "serial", serial, "owner", id.email, "group", g.ID)
	writeJSON(w, http.StatusCreated, g)
}

// handleReleaseDevice ends the caller's claim on a device.
//
// Admins may release a device held by someone else; that path is a forced
// release and is flagged as such on the resulting events.
func (s *Server) handleReleaseDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	id, ok := callerIdentity(r.Context())
	if !ok {
		writeUnauthorized(w, "bearer token is required")
		return
	}

	err := s.coordinator.Release(r.Context(), serial, id.email)
	if errors.Is(err, group.ErrNotOwner) && id.privilege == auth.PrivilegeAdmin {
		err = s.coordinator.ForcedRelease(r.Context(), serial)
		if err == nil {
			s.logger.Info("device force-released via API", "serial", serial, "actor", id.email)
		}
	}
	if err != nil {
		s.writeClaimError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// presenceReport is the request body for POST /provider/presence.
type presenceReport struct {
	Serial     string `json:"serial"`
	ProviderID string `json:"provider_id"`
	Present    bool   `json:"present"`
}

// handleProviderPresence ingests a provider's device presence report.
//
// Reports are idempotent: repeating the current state is a no-op and does
// not advance the device seq. A present report for an unknown serial
// registers the device.
func (s *Server) handleProviderPresence(w http.ResponseWriter, r *http.Request) {
	var report presenceReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if report.Serial == "" {
		writeBadRequest(w, "serial field is required")
		return
	}
	if report.Present && report.ProviderID == "" {
		writeBadRequest(w, "provider_id is required for present reports")
		return
	}

	dev, err := s.coordinator.SetPresence(r.Context(), report.Serial, report.ProviderID, report.Present)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.writeClaimError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// writeClaimError maps coordination failures onto HTTP responses.
func (s *Server) writeClaimError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, group.ErrAlreadyClaimed):
		writeConflict(w, ErrCodeConflict, err.Error())
	case errors.Is(err, group.ErrDeviceOffline):
		writeConflict(w, ErrCodeDeviceOffline, "device is not present")
	case errors.Is(err, group.ErrNotClaimed):
		writeConflict(w, ErrCodeConflict, "device is not claimed")
	case errors.Is(err, group.ErrNotOwner):
		writeForbidden(w, "device is held by another user")
	case errors.Is(err, device.ErrShuttingDown):
		writeUnavailable(w, "instance is shutting down")
	case errors.Is(err, device.ErrStaleSeq):
		// Retries exhausted under sustained contention
		writeConflict(w, ErrCodeConflict, "concurrent update, retry")
	default:
		writeInternalError(w, "operation failed")
	}
}
