// ABOUTME: Government SSO login flow (generic OIDC): init redirect and callback.
// ABOUTME: Matches on the issuer's stable sub claim, never on email.
package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/saimambayao/obcms-sub002/internal/auth"
)

// ssoClaims holds the subset of ID token claims we use.
type ssoClaims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Nonce         string `json:"nonce"`
}

// ssoInitHandler handles GET /api/v1/auth/sso.
// Generates state + nonce, sets cookies, and redirects to the issuer's authorize URL.
func (srv *Server) ssoInitHandler(w http.ResponseWriter, r *http.Request) {
	if srv.ssoOIDC == nil {
		http.Error(w, "SSO not configured", http.StatusNotImplemented)
		return
	}
	state, err := generateOAuthState()
	if err != nil {
		slog.ErrorContext(r.Context(), "sso init: generate state", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	nonce, err := generateOAuthState() // reuses the same CSPRNG helper for nonce
	if err != nil {
		slog.ErrorContext(r.Context(), "sso init: generate nonce", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	srv.setStateCookie(w, state)
	srv.setNonceCookie(w, nonce)
	authURL := srv.ssoOAuth.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ssoCallbackHandler handles GET /api/v1/auth/sso/callback.
// Validates state + nonce, verifies the ID token, upserts the identity,
// and issues JWT tokens as HttpOnly cookies. A first-time SSO user gets a
// bare account; organization access still comes through invitations.
func (srv *Server) ssoCallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if srv.ssoOIDC == nil {
		http.Error(w, "SSO not configured", http.StatusNotImplemented)
		return
	}

	// 1. Validate CSRF state.
	state := r.URL.Query().Get("state")
	if err := srv.validateStateCookie(r, w, state); err != nil {
		http.Error(w, "invalid state: "+err.Error(), http.StatusBadRequest)
		return
	}

	// 2. Exchange authorization code for tokens.
	code := r.URL.Query().Get("code")
	token, err := srv.ssoOAuth.Exchange(ctx, code)
	if err != nil {
		slog.ErrorContext(ctx, "sso: exchange code", "error", err)
		http.Error(w, "authentication failed", http.StatusBadRequest)
		return
	}

	// 3. Extract and verify the ID token.
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		slog.ErrorContext(ctx, "sso: missing id_token in token response")
		http.Error(w, "authentication failed", http.StatusBadRequest)
		return
	}
	verifier := srv.ssoOIDC.Verifier(&oidc.Config{ClientID: srv.ssoOAuth.ClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		slog.ErrorContext(ctx, "sso: verify id token", "error", err)
		http.Error(w, "authentication failed", http.StatusBadRequest)
		return
	}

	// 4. Extract claims.
	var claims ssoClaims
	if err := idToken.Claims(&claims); err != nil {
		slog.ErrorContext(ctx, "sso: extract claims", "error", err)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}
	if claims.Sub == "" {
		http.Error(w, "missing sub in ID token", http.StatusBadRequest)
		return
	}
	if !claims.EmailVerified {
		http.Error(w, "email not verified with the identity provider", http.StatusBadRequest)
		return
	}

	// 5. Validate nonce.
	storedNonce, err := srv.validateNonceCookie(r, w)
	if err != nil {
		http.Error(w, "invalid nonce: "+err.Error(), http.StatusBadRequest)
		return
	}
	if storedNonce != claims.Nonce {
		http.Error(w, "nonce mismatch", http.StatusBadRequest)
		return
	}

	// 6. Look up the user by provider sub — NEVER by email. Emails get
	// reassigned inside government directories; subjects do not.
	user, err := srv.store.GetUserByProviderID(ctx, "sso", claims.Sub)
	if err != nil {
		slog.ErrorContext(ctx, "sso: get user by provider id", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if user == nil {
		// New user — create account (no password; SSO-only auth).
		displayName := claims.Name
		if displayName == "" {
			displayName = claims.Email
		}
		user, err = srv.store.CreateUser(ctx, claims.Email, displayName, "", 0)
		if err != nil {
			slog.ErrorContext(ctx, "sso: create user", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	// 7. Upsert identity to keep email current (directory email may change).
	if err := srv.store.UpsertUserIdentity(ctx, user.ID, "sso", claims.Sub, claims.Email); err != nil {
		slog.ErrorContext(ctx, "sso: upsert identity", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// 8. Issue JWT access + refresh tokens.
	secret := []byte(srv.cfg.JWTSecret)
	jti := uuid.New()
	accessToken, err := auth.IssueAccessToken(secret, user.ID, int(user.TokenVersion), accessTokenTTL)
	if err != nil {
		slog.ErrorContext(ctx, "sso: issue access token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	refreshTokenStr, err := auth.IssueRefreshToken(secret, user.ID, int(user.TokenVersion), jti, refreshTokenTTL)
	if err != nil {
		slog.ErrorContext(ctx, "sso: issue refresh token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := srv.store.CreateRefreshToken(ctx, jti, user.ID, int(user.TokenVersion), time.Now().Add(refreshTokenTTL)); err != nil {
		slog.ErrorContext(ctx, "sso: create refresh token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// 9. Set auth cookies and respond.
	for _, cookieStr := range authCookies(accessToken, refreshTokenStr, srv.cfg.CookieSecure) {
		w.Header().Add("Set-Cookie", cookieStr)
	}
	if err := srv.store.UpdateLastLogin(ctx, user.ID); err != nil {
		slog.WarnContext(ctx, "sso: update last login", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": user.ID.String()})
}

// ── state and nonce cookies ───────────────────────────────────────────────────

// generateOAuthState generates 32 random bytes as a hex string for the OAuth
// state parameter (and, reused, for the OIDC nonce).
func generateOAuthState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// setStateCookie sets the oauth_state HttpOnly cookie with a 5-minute expiry.
// SameSite=Lax is REQUIRED (not Strict) — the callback arrives as a cross-site
// redirect from the identity provider.
func (srv *Server) setStateCookie(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		HttpOnly: true,
		Secure:   srv.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode, // NOT Strict — cross-site callback
		MaxAge:   300,                  // 5 minutes
		Path:     "/",
	})
}

// validateStateCookie reads and deletes the oauth_state cookie, returning an error
// if the cookie is missing or its value doesn't match the stateParam from the query string.
func (srv *Server) validateStateCookie(r *http.Request, w http.ResponseWriter, stateParam string) error {
	cookie, err := r.Cookie("oauth_state")
	if err != nil {
		return errors.New("missing oauth_state cookie")
	}
	// Delete the cookie immediately (one-time use).
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    "",
		HttpOnly: true,
		Secure:   srv.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Path:     "/",
	})
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(stateParam)) != 1 {
		return errors.New("oauth_state mismatch")
	}
	return nil
}

// setNonceCookie sets the oidc_nonce HttpOnly cookie for ID token nonce
// verification. SameSite=Lax required — same cross-site redirect reasoning as state.
func (srv *Server) setNonceCookie(w http.ResponseWriter, nonce string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "oidc_nonce",
		Value:    nonce,
		HttpOnly: true,
		Secure:   srv.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300, // 5 minutes
		Path:     "/",
	})
}

// validateNonceCookie reads and deletes the oidc_nonce cookie, returning its value.
// Returns an error if the cookie is missing.
func (srv *Server) validateNonceCookie(r *http.Request, w http.ResponseWriter) (string, error) {
	cookie, err := r.Cookie("oidc_nonce")
	if err != nil {
		return "", errors.New("missing oidc_nonce cookie")
	}
	// Delete the cookie immediately (one-time use).
	http.SetCookie(w, &http.Cookie{
		Name:     "oidc_nonce",
		Value:    "",
		HttpOnly: true,
		Secure:   srv.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Path:     "/",
	})
	return cookie.Value, nil
}
