// Package admin exposes the credential management API: listing, adding,
// disabling and deleting pool credentials, balance queries, and the load
// balancing mode. It is mounted only when an admin key is configured.
package admin

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kirogw/kirogw/pkg/credpool"
	"github.com/kirogw/kirogw/pkg/gwconfig"
	"github.com/kirogw/kirogw/pkg/web"
)

// Error types mirrored by the dashboard front end.
const (
	errTypeInvalidRequest = "invalid_request"
	errTypeAuthentication = "authentication_error"
	errTypeNotFound       = "not_found"
	errTypeAPI            = "api_error"
	errTypeInternal       = "internal_error"
)

// Server handles /api/admin requests against the credential pool.
type Server struct {
	cfg   *gwconfig.Config
	pool  *credpool.Pool
	cache *balanceCache
}

func NewServer(cfg *gwconfig.Config, pool *credpool.Pool) *Server {
	return &Server{
		cfg:   cfg,
		pool:  pool,
		cache: newBalanceCache(pool.CacheDir()),
	}
}

// Register mounts the admin routes under /api/admin.
func (s *Server) Register(r *mux.Router) {
	ar := r.PathPrefix("/api/admin").Subrouter()
	ar.Use(s.authMiddleware)
	ar.HandleFunc("/credentials", s.handleListCredentials).Methods(http.MethodGet)
	ar.HandleFunc("/credentials", s.handleAddCredential).Methods(http.MethodPost)
	ar.HandleFunc("/credentials/{id}", s.handleDeleteCredential).Methods(http.MethodDelete)
	ar.HandleFunc("/credentials/{id}/disabled", s.handleSetDisabled).Methods(http.MethodPut)
	ar.HandleFunc("/credentials/{id}/priority", s.handleSetPriority).Methods(http.MethodPut)
	ar.HandleFunc("/credentials/{id}/reset", s.handleReset).Methods(http.MethodPost)
	ar.HandleFunc("/credentials/{id}/balance", s.handleBalance).Methods(http.MethodGet)
	ar.HandleFunc("/balances", s.handleAllBalances).Methods(http.MethodGet)
	ar.HandleFunc("/load-balancing", s.handleGetLoadBalancing).Methods(http.MethodGet)
	ar.HandleFunc("/load-balancing", s.handleSetLoadBalancing).Methods(http.MethodPut)
}

// authMiddleware checks the admin key, which is separate from the
// gateway API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPIKey == "" || !web.KeyMatches(web.RequestKey(r), s.cfg.AdminAPIKey) {
			writeAdminError(w, http.StatusUnauthorized, errTypeAuthentication, "Invalid or missing admin API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAdminJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[admin] failed to write response: %v", err)
	}
}

func writeAdminError(w http.ResponseWriter, status int, errType, message string) {
	writeAdminJSON(w, status, map[string]any{
		"error": map[string]string{"type": errType, "message": message},
	})
}

func credentialID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	snap := s.pool.Snapshot()
	items := make([]CredentialStatusItem, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		items = append(items, CredentialStatusItem{
			ID:                e.ID,
			Priority:          e.Priority,
			Disabled:          e.Disabled,
			DisabledReason:    e.DisabledReason,
			FailureCount:      e.FailureCount,
			IsCurrent:         e.ID == snap.CurrentID,
			ExpiresAt:         e.ExpiresAt,
			AuthMethod:        e.AuthMethod,
			HasProfileArn:     e.HasProfileArn,
			RefreshTokenHash:  e.RefreshTokenHash,
			Email:             e.Email,
			SubscriptionTitle: e.SubscriptionTitle,
			SuccessCount:      e.SuccessCount,
			LastUsedAt:        e.LastUsedAt,
		})
	}
	// Lower number means higher priority; show those first.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority < items[j].Priority
	})
	writeAdminJSON(w, http.StatusOK, CredentialsStatusResponse{
		Total:       snap.Total,
		Available:   snap.Available,
		CurrentID:   snap.CurrentID,
		Credentials: items,
	})
}

func (s *Server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	var req AddCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, "refreshToken is required")
		return
	}
	if req.AuthMethod == "" {
		req.AuthMethod = "social"
	}

	id, err := s.pool.AddCredential(r.Context(), credpool.KiroCredentials{
		RefreshToken: req.RefreshToken,
		AuthMethod:   req.AuthMethod,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Priority:     req.Priority,
		Region:       req.Region,
		AuthRegion:   req.AuthRegion,
		APIRegion:    req.APIRegion,
		MachineID:    req.MachineID,
		Email:        req.Email,
	})
	if err != nil {
		status, errType := classifyAddError(err)
		writeAdminError(w, status, errType, err.Error())
		return
	}

	log.Printf("[admin] added credential #%d", id)
	writeAdminJSON(w, http.StatusOK, AddCredentialResponse{
		Success:      true,
		Message:      fmt.Sprintf("Credential added successfully, ID: %d", id),
		CredentialID: id,
		Email:        req.Email,
	})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, err := credentialID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, "Invalid credential id")
		return
	}
	if err := s.pool.DeleteCredential(id); err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "not found"):
			writeAdminError(w, http.StatusNotFound, errTypeNotFound, msg)
		case strings.Contains(msg, "can only delete disabled credentials"):
			writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, msg)
		default:
			writeAdminError(w, http.StatusInternalServerError, errTypeInternal, msg)
		}
		return
	}
	s.cache.Delete(id)
	log.Printf("[admin] deleted credential #%d", id)
	writeAdminJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("Credential #%d deleted", id),
	})
}

func (s *Server) handleSetDisabled(w http.ResponseWriter, r *http.Request) {
	id, err := credentialID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, "Invalid credential id")
		return
	}
	var req SetDisabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.pool.SetDisabled(id, req.Disabled); err != nil {
		writePoolError(w, err)
		return
	}
	verb := "enabled"
	if req.Disabled {
		verb = "disabled"
	}
	log.Printf("[admin] credential #%d %s", id, verb)
	writeAdminJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("Credential #%d %s", id, verb),
	})
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	id, err := credentialID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, "Invalid credential id")
		return
	}
	var req SetPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.pool.SetPriority(id, req.Priority); err != nil {
		writePoolError(w, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("Credential #%d priority set to %d", id, req.Priority),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, err := credentialID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, "Invalid credential id")
		return
	}
	if err := s.pool.ResetAndEnable(id); err != nil {
		writePoolError(w, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("Credential #%d reset and enabled", id),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, err := credentialID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, "Invalid credential id")
		return
	}
	balance, err := s.balanceFor(r, id)
	if err != nil {
		status, errType := classifyBalanceError(err)
		writeAdminError(w, status, errType, err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, balance)
}

func (s *Server) handleAllBalances(w http.ResponseWriter, r *http.Request) {
	snap := s.pool.Snapshot()
	items := make([]BalanceListItem, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		balance, err := s.balanceFor(r, e.ID)
		if err != nil {
			items = append(items, BalanceListItem{
				BalanceResponse: BalanceResponse{ID: e.ID, Email: e.Email},
				Error:           err.Error(),
			})
			continue
		}
		items = append(items, BalanceListItem{BalanceResponse: balance})
	}
	writeAdminJSON(w, http.StatusOK, BalancesResponse{Balances: items})
}

// balanceFor serves the cached balance when fresh and otherwise queries
// the upstream quota API.
func (s *Server) balanceFor(r *http.Request, id uint64) (BalanceResponse, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cached, nil
	}

	usage, err := s.pool.UsageLimits(r.Context(), id)
	if err != nil {
		return BalanceResponse{}, err
	}

	currentUsage, usageLimit := usageTotals(usage)
	remaining := usageLimit - currentUsage
	if remaining < 0 {
		remaining = 0
	}
	var percentage float64
	if usageLimit > 0 {
		percentage = currentUsage / usageLimit * 100
		if percentage > 100 {
			percentage = 100
		}
	}

	balance := BalanceResponse{
		ID:              id,
		CurrentUsage:    currentUsage,
		UsageLimit:      usageLimit,
		Remaining:       remaining,
		UsagePercentage: percentage,
		NextResetAt:     usage.NextDateReset,
	}
	if usage.UserInfo != nil {
		balance.Email = usage.UserInfo.Email
	}
	if usage.SubscriptionInfo != nil {
		balance.SubscriptionTitle = usage.SubscriptionInfo.SubscriptionTitle
	}

	s.cache.Put(id, balance)
	return balance, nil
}

// usageTotals sums the primary breakdown with any active free trial and
// active bonus allowances.
func usageTotals(usage *credpool.UsageLimitsResponse) (currentUsage, usageLimit float64) {
	if len(usage.UsageBreakdownList) == 0 {
		return 0, 0
	}
	breakdown := usage.UsageBreakdownList[0]
	currentUsage = breakdown.CurrentUsageWithPrecision
	usageLimit = breakdown.UsageLimitWithPrecision
	if trial := breakdown.FreeTrialInfo; trial != nil && trial.FreeTrialStatus == "ACTIVE" {
		currentUsage += trial.CurrentUsageWithPrecision
		usageLimit += trial.UsageLimitWithPrecision
	}
	for _, bonus := range breakdown.Bonuses {
		if bonus.Status == "ACTIVE" {
			currentUsage += bonus.CurrentUsage
			usageLimit += bonus.UsageLimit
		}
	}
	return currentUsage, usageLimit
}

func (s *Server) handleGetLoadBalancing(w http.ResponseWriter, r *http.Request) {
	writeAdminJSON(w, http.StatusOK, LoadBalancingModeResponse{Mode: s.pool.LoadBalancingMode()})
}

func (s *Server) handleSetLoadBalancing(w http.ResponseWriter, r *http.Request) {
	var req SetLoadBalancingModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.pool.SetLoadBalancingMode(req.Mode); err != nil {
		if strings.Contains(err.Error(), "invalid load balancing mode") {
			writeAdminError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		} else {
			writeAdminError(w, http.StatusInternalServerError, errTypeInternal, err.Error())
		}
		return
	}
	log.Printf("[admin] load balancing mode set to %s", req.Mode)
	writeAdminJSON(w, http.StatusOK, LoadBalancingModeResponse{Mode: req.Mode})
}

// writePoolError maps "not found" pool errors to 404 and everything else
// to 500.
func writePoolError(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), "not found") {
		writeAdminError(w, http.StatusNotFound, errTypeNotFound, err.Error())
		return
	}
	writeAdminError(w, http.StatusInternalServerError, errTypeInternal, err.Error())
}

// classifyAddError distinguishes bad credentials from upstream trouble.
func classifyAddError(err error) (int, string) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "refreshToken"),
		strings.Contains(msg, "credential already exists"),
		strings.Contains(msg, "expired or invalid"),
		strings.Contains(msg, "insufficient permissions"),
		strings.Contains(msg, "rate limited"):
		return http.StatusBadRequest, errTypeInvalidRequest
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "connect"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return http.StatusBadGateway, errTypeAPI
	default:
		return http.StatusInternalServerError, errTypeInternal
	}
}

// classifyBalanceError separates missing credentials, upstream failures,
// and local faults.
func classifyBalanceError(err error) (int, string) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		return http.StatusNotFound, errTypeNotFound
	case strings.Contains(msg, "expired"),
		strings.Contains(msg, "insufficient permissions"),
		strings.Contains(msg, "rate limited"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "temporarily unavailable"),
		strings.Contains(msg, "refresh failed"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return http.StatusBadGateway, errTypeAPI
	default:
		return http.StatusInternalServerError, errTypeInternal
	}
}
