package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

const totpIssuer = "Grant Tracker"

type twoFactorStatusResponse struct {
	Enabled bool `json:"enabled"`
	Pending bool `json:"pending"`
}

type twoFactorEnrollResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
}

type twoFactorVerifyPayload struct {
	Code string `json:"code"`
}

type twoFactorVerifyResponse struct {
	Enabled       bool     `json:"enabled"`
	RecoveryCodes []string `json:"recovery_codes"`
}

type twoFactorDisablePayload struct {
	Code string `json:"code"`
}

func handleTwoFactorAPI(w http.ResponseWriter, r *http.Request, store twoFactorStore) {
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	_, active, err := store.ActiveSecret(r.Context(), org.ID, member.ID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "two_factor_status_failed", "two-factor status failed")
		return
	}
	_, pending, err := store.PendingSecret(r.Context(), org.ID, member.ID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "two_factor_status_failed", "two-factor status failed")
		return
	}

	writeJSON(w, http.StatusOK, twoFactorStatusResponse{Enabled: active, Pending: pending && !active})
}

func handleTwoFactorEnrollAPI(w http.ResponseWriter, r *http.Request, store twoFactorStore) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: member.Email,
	})
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "two_factor_enroll_failed", "two-factor enroll failed")
		return
	}

	if err := store.Enroll(r.Context(), org.ID, member.ID, key.Secret()); err != nil {
		if errors.Is(err, errTwoFactorAlreadyEnabled) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "two_factor_already_enabled", "two-factor already enabled")
			return
		}
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "two_factor_enroll_failed", "two-factor enroll failed")
		return
	}

	writeJSON(w, http.StatusOK, twoFactorEnrollResponse{Secret: key.Secret(), OTPAuthURL: key.URL()})
}

func handleTwoFactorVerifyAPI(w http.ResponseWriter, r *http.Request, store twoFactorStore) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	var payload twoFactorVerifyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	code := strings.TrimSpace(payload.Code)
	if code == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_code", "code is required")
		return
	}

	secret, pending, err := store.PendingSecret(r.Context(), org.ID, member.ID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "two_factor_verify_failed", "two-factor verify failed")
		return
	}
	if !pending {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "two_factor_not_enrolled", "no pending enrollment")
		return
	}
	if !validTOTPCode(code, secret) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusUnauthorized, "invalid_code", "invalid code")
		return
	}

	if err := store.Activate(r.Context(), org.ID, member.ID); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "two_factor_verify_failed", "two-factor verify failed")
		return
	}

	codes, hashes, err := newRecoveryCodes()
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "two_factor_verify_failed", "two-factor verify failed")
		return
	}
	if err := store.StoreRecoveryCodes(r.Context(), org.ID, member.ID, hashes); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "two_factor_verify_failed", "two-factor verify failed")
		return
	}

	writeJSON(w, http.StatusOK, twoFactorVerifyResponse{Enabled: true, RecoveryCodes: codes})
}

func handleTwoFactorDisableAPI(w http.ResponseWriter, r *http.Request, store twoFactorStore) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	var payload twoFactorDisablePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	code := strings.TrimSpace(payload.Code)
	if code == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_code", "code is required")
		return
	}

	ok2, enabled, err := checkTwoFactorCode(r.Context(), store, org.ID, member.ID, code)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "two_factor_disable_failed", "two-factor disable failed")
		return
	}
	if !enabled {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "two_factor_not_enabled", "two-factor not enabled")
		return
	}
	if !ok2 {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusUnauthorized, "invalid_code", "invalid code")
		return
	}

	if err := store.Deactivate(r.Context(), org.ID, member.ID); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "two_factor_disable_failed", "two-factor disable failed")
		return
	}

	writeJSON(w, http.StatusOK, twoFactorStatusResponse{Enabled: false})
}

// checkTwoFactorCode accepts a current TOTP code or an unused recovery code.
// Recovery codes are single-use; a successful match consumes the code.
func checkTwoFactorCode(ctx context.Context, store twoFactorStore, orgID, memberID, code string) (ok bool, enabled bool, err error) {
	secret, active, err := store.ActiveSecret(ctx, orgID, memberID)
	if err != nil {
		return false, false, err
	}
	if !active {
		return false, false, nil
	}
	if validTOTPCode(code, secret) {
		return true, true, nil
	}
	consumed, err := store.ConsumeRecoveryCode(ctx, orgID, memberID, hashRecoveryCode(strings.ToUpper(code)))
	if err != nil {
		return false, true, err
	}
	return consumed, true, nil
}

// validTOTPCode allows one 30-second step of clock skew on either side.
func validTOTPCode(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
