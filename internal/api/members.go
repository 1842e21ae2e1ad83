// ABOUTME: HTTP handlers for org member administration and invitations.
// ABOUTME: Memberships are revoked by status flip and restorable; never deleted.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/auth"
	"github.com/saimambayao/obcms-sub002/internal/store"
)

// memberEntry is the JSON representation of one org member.
type memberEntry struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email"`
	DisplayName      string `json:"display_name"`
	Role             string `json:"role"`
	Status           string `json:"status"`
	IsPrimary        bool   `json:"is_primary"`
	CanApproveBudget bool   `json:"can_approve_budget"`
	JoinedAt         string `json:"joined_at"`
}

func memberToEntry(m store.MemberRow) memberEntry {
	return memberEntry{
		UserID:           m.UserID.String(),
		Email:            m.Email,
		DisplayName:      m.DisplayName,
		Role:             m.Role,
		Status:           m.Status,
		IsPrimary:        m.IsPrimary,
		CanApproveBudget: m.CanApproveBudget,
		JoinedAt:         m.CreatedAt.Format(time.RFC3339),
	}
}

func validMemberRole(role string) bool {
	switch role {
	case "admin", "manager", "staff", "viewer":
		return true
	}
	return false
}

// listMembersHandler handles GET /api/v1/org/{org_code}/members.
// Revoked members are included so admins can see and restore them.
func (srv *Server) listMembersHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := r.Context().Value(ctxOrg).(*store.Organization)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	rows, err := srv.store.ListOrgMembers(r.Context(), org.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "list members", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	entries := make([]memberEntry, 0, len(rows))
	for _, m := range rows {
		entries = append(entries, memberToEntry(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": entries})
}

// updateMemberBody is the request body for PATCH /members/{user_id}.
// Pointer fields distinguish "leave unchanged" from "set to zero value".
type updateMemberBody struct {
	Role             *string `json:"role"`
	CanApproveBudget *bool   `json:"can_approve_budget"`
	// Status may only be "active": restoring a revoked member. Revocation
	// goes through DELETE.
	Status *string `json:"status"`
}

// updateMemberHandler handles PATCH /api/v1/org/{org_code}/members/{user_id}.
// Org admin only. Admins cannot change their own membership here, so an org
// always keeps at least the acting admin.
func (srv *Server) updateMemberHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := r.Context().Value(ctxOrg).(*store.Organization)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if callerID, ok := r.Context().Value(ctxUserID).(uuid.UUID); ok && callerID == targetID {
		http.Error(w, "cannot change your own membership", http.StatusBadRequest)
		return
	}

	var req updateMemberBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Role != nil && !validMemberRole(*req.Role) {
		http.Error(w, "role must be admin, manager, staff or viewer", http.StatusBadRequest)
		return
	}
	if req.Status != nil && *req.Status != store.MembershipActive {
		http.Error(w, "status may only be set to active; revoke via DELETE", http.StatusBadRequest)
		return
	}

	if req.Status != nil {
		m, err := srv.store.SetMembershipStatus(r.Context(), org.ID, targetID, store.MembershipActive)
		if err != nil {
			slog.ErrorContext(r.Context(), "restore member", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if m == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
	}

	m, err := srv.store.UpdateMembership(r.Context(), org.ID, targetID, store.UpdateMembershipParams{
		Role:             req.Role,
		CanApproveBudget: req.CanApproveBudget,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "update member", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if m == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":            m.UserID.String(),
		"role":               m.Role,
		"status":             m.Status,
		"can_approve_budget": m.CanApproveBudget,
	})
}

// revokeMemberHandler handles DELETE /api/v1/org/{org_code}/members/{user_id}.
// Org admin only. A status flip, not a row delete: the member's records and
// history stay attributed.
func (srv *Server) revokeMemberHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := r.Context().Value(ctxOrg).(*store.Organization)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if callerID, ok := r.Context().Value(ctxUserID).(uuid.UUID); ok && callerID == targetID {
		http.Error(w, "cannot revoke your own membership", http.StatusBadRequest)
		return
	}

	m, err := srv.store.SetMembershipStatus(r.Context(), org.ID, targetID, store.MembershipRevoked)
	if err != nil {
		slog.ErrorContext(r.Context(), "revoke member", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if m == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ── Invitations ───────────────────────────────────────────────────────────────

// invitationEntry is the JSON representation of a pending invitation.
type invitationEntry struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expires_at"`
	CreatedAt string `json:"created_at"`
}

// createInvitationBody is the request body for POST /invitations.
type createInvitationBody struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// createInvitationHandler handles POST /api/v1/org/{org_code}/invitations.
// Org admin only. Generates a one-time token, emails the invitation link,
// and also returns the raw token so the link can be handed over out of band
// when SMTP is not configured.
func (srv *Server) createInvitationHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := r.Context().Value(ctxOrg).(*store.Organization)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	inviterID, ok := r.Context().Value(ctxUserID).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createInvitationBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}
	if !validMemberRole(req.Role) {
		http.Error(w, "role must be admin, manager, staff or viewer", http.StatusBadRequest)
		return
	}

	rawToken, tokenHash, err := auth.GenerateInviteToken()
	if err != nil {
		slog.ErrorContext(r.Context(), "create invitation: generate token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ttl := srv.cfg.InvitationTTL
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	inv, err := srv.store.CreateInvitation(r.Context(), org.ID, req.Email, req.Role, tokenHash, inviterID, time.Now().Add(ttl))
	if err != nil {
		slog.ErrorContext(r.Context(), "create invitation", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	inviteURL := srv.cfg.ExternalURL + "/api/v1/auth/invitations/" + rawToken
	if srv.mailer != nil {
		// Email failure is not fatal: the admin still gets the link below.
		if err := srv.mailer.SendInvitation(r.Context(), req.Email, org.Name, inviteURL); err != nil {
			slog.WarnContext(r.Context(), "create invitation: send email",
				"email", req.Email, "org_code", org.Code, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         inv.ID.String(),
		"email":      inv.Email,
		"role":       inv.Role,
		"expires_at": inv.ExpiresAt.Format(time.RFC3339),
		"token":      rawToken,
		"invite_url": inviteURL,
	})
}

// listInvitationsHandler handles GET /api/v1/org/{org_code}/invitations.
// Org admin only. Shows pending (unaccepted, unexpired) invitations.
func (srv *Server) listInvitationsHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := r.Context().Value(ctxOrg).(*store.Organization)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	rows, err := srv.store.ListOrgInvitations(r.Context(), org.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "list invitations", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	entries := make([]invitationEntry, 0, len(rows))
	for _, inv := range rows {
		entries = append(entries, invitationEntry{
			ID:        inv.ID.String(),
			Email:     inv.Email,
			Role:      inv.Role,
			ExpiresAt: inv.ExpiresAt.Format(time.RFC3339),
			CreatedAt: inv.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": entries})
}

// cancelInvitationHandler handles DELETE /api/v1/org/{org_code}/invitations/{id}.
// Org admin only.
func (srv *Server) cancelInvitationHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := r.Context().Value(ctxOrg).(*store.Organization)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	invID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid invitation id", http.StatusBadRequest)
		return
	}

	n, err := srv.store.DeleteInvitation(r.Context(), org.ID, invID)
	if err != nil {
		slog.ErrorContext(r.Context(), "cancel invitation", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if n == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
