package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/AnonRelay/internal/admin"
	"github.com/BTreeMap/AnonRelay/internal/models"
)

// maxAdminBody bounds the JSON body of admin requests.
const maxAdminBody = 4 << 10

// AdminRequest is the body of POST /admin/ban and /admin/unban.
type AdminRequest struct {
	Target string `json:"target"` // pseudonym (ID + 10 digits) or raw sender id
}

// AdminResult is the result payload of a successful admin request.
type AdminResult struct {
	SenderID models.SenderID `json:"sender_id"`
	Banned   bool            `json:"banned"`
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	s.healthHandler(w, r)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		slog.Warn("Server.twilioWebhookHandler: method not allowed", "method", r.Method)
		methodNotAllowed(w, http.MethodPost)
		return
	}
	s.twilio.TwilioWebhookHandler(w, r)
}

// adminHandler returns the handler for /admin/ban (ban=true) or /admin/unban.
func (s *Server) adminHandler(ban bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			defer r.Body.Close()
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}

		raw, ok := bearerToken(r)
		if !ok {
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing bearer token"))
			return
		}
		caller, err := parseAdminToken(s.opts.AdminSecret, raw)
		if err != nil {
			slog.Warn("Server.adminHandler: token rejected", "error", err, "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid token"))
			return
		}
		if !s.admin.IsAdmin(caller) {
			slog.Warn("Server.adminHandler: caller is not an administrator", "caller", caller)
			writeJSONResponse(w, http.StatusForbidden, models.Error("Not an administrator"))
			return
		}

		var req AdminRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
			slog.Warn("Server.adminHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if req.Target == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: target"))
			return
		}

		ctx := r.Context()
		target, err := s.admin.ResolveTarget(ctx, req.Target, "")
		if err != nil {
			if errors.Is(err, admin.ErrTargetNotFound) {
				writeJSONResponse(w, http.StatusNotFound, models.Error("Target not found"))
				return
			}
			slog.Error("Server.adminHandler: target resolution failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resolve target"))
			return
		}

		if ban {
			err = s.admin.Ban(ctx, caller, target)
		} else {
			err = s.admin.Unban(ctx, caller, target)
		}
		if err != nil {
			slog.Error("Server.adminHandler: ban update failed", "error", err, "target", target, "ban", ban)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update ban"))
			return
		}

		msg := "User unbanned"
		if ban {
			msg = "User banned"
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(msg, AdminResult{SenderID: target, Banned: ban}))
	}
}
