package account

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/saturn/internal/httpapi"
	"github.com/mbd888/saturn/internal/idgen"
	"github.com/mbd888/saturn/internal/ledger"
	"github.com/mbd888/saturn/internal/validation"
)

// SessionIssuer mints session tokens for dashboard and CLI callers.
// Satisfied by auth.Sessions.
type SessionIssuer interface {
	Issue(accountID string, ttl time.Duration) (string, error)
}

// defaultSessionTTL is how long a login session stays valid unless the
// server configures otherwise.
const defaultSessionTTL = 24 * time.Hour

// Handler provides HTTP endpoints for signup, login, and agent management.
type Handler struct {
	store      Store
	ledger     *ledger.Ledger
	sessions   SessionIssuer
	sessionTTL time.Duration
	logger     *slog.Logger

	// onKeyChange is invoked after a key rotation so the auth cache can
	// drop stale entries. Wired by the server; nil-safe.
	onKeyChange func(agentID string)
}

// NewHandler creates an account handler.
func NewHandler(store Store, lgr *ledger.Ledger, sessions SessionIssuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, ledger: lgr, sessions: sessions, sessionTTL: defaultSessionTTL, logger: logger}
}

// SetSessionTTL overrides how long issued session tokens stay valid.
func (h *Handler) SetSessionTTL(d time.Duration) {
	if d > 0 {
		h.sessionTTL = d
	}
}

// SetKeyChangeHook registers the auth-cache invalidation callback.
func (h *Handler) SetKeyChangeHook(fn func(agentID string)) {
	h.onKeyChange = fn
}

// RegisterPublicRoutes registers the unauthenticated endpoints. The
// caller attaches rate limiting; signup and login have their own caps.
func (h *Handler) RegisterPublicRoutes(r gin.IRoutes, signupLimit, loginLimit gin.HandlerFunc) {
	if signupLimit != nil {
		r.POST("/signup", signupLimit, h.Signup)
	} else {
		r.POST("/signup", h.Signup)
	}
	if loginLimit != nil {
		r.POST("/auth/login", loginLimit, h.Login)
	} else {
		r.POST("/auth/login", h.Login)
	}
}

// RegisterProtectedRoutes registers the agent-management endpoints.
// The group must already carry the auth middleware.
func (h *Handler) RegisterProtectedRoutes(r gin.IRoutes) {
	r.POST("/agents", h.CreateAgent)
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/:id", h.GetAgent)
	r.DELETE("/agents/:id", h.DeleteAgent)
	r.POST("/agents/:id/rotate-key", h.RotateKey)
}

// Signup handles POST /v1/signup. Creates the account, its wallet, and
// the primary agent, and returns the agent's raw API key exactly once.
func (h *Handler) Signup(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
		Name     string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "email, password, and name are required")
		return
	}
	if errs := validation.Validate(
		validation.ValidEmail("email", req.Email),
		validation.MaxLength("email", req.Email, 254),
		validation.MaxLength("name", req.Name, 200),
	); errs != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, errs.Error())
		return
	}
	if len(req.Password) < 8 {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "password must be at least 8 characters")
		return
	}

	passHash, err := HashPassword(req.Password)
	if err != nil {
		httpapi.Internal(c)
		return
	}
	rawKey, keyHash, keyPrefix, err := NewAPIKey()
	if err != nil {
		httpapi.Internal(c)
		return
	}

	now := time.Now().UTC()
	acc := &Account{
		ID:              idgen.WithPrefix("acc_"),
		Email:           req.Email,
		PasswordHash:    passHash,
		Name:            validation.SanitizeString(req.Name, 200),
		DefaultCurrency: ledger.CurrencyUSDCents,
		CreatedAt:       now,
	}
	primary := &Agent{
		ID:           idgen.WithPrefix("agt_"),
		AccountID:    acc.ID,
		Name:         acc.Name,
		Role:         RolePrimary,
		Status:       AgentActive,
		APIKeyHash:   keyHash,
		APIKeyPrefix: keyPrefix,
		CreatedAt:    now,
	}

	if err := h.store.CreateAccount(c.Request.Context(), acc, primary); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "email already registered")
			return
		}
		h.logger.Error("signup failed", "error", err)
		httpapi.Internal(c)
		return
	}

	wallet, err := h.ledger.CreateWallet(c.Request.Context(), acc.ID)
	if err != nil {
		h.logger.Error("wallet creation failed after signup", "account_id", acc.ID, "error", err)
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternalError,
			"account created but wallet initialization failed")
		return
	}

	token, err := h.sessions.Issue(acc.ID, h.sessionTTL)
	if err != nil {
		h.logger.Error("session issue failed after signup", "account_id", acc.ID, "error", err)
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternalError,
			"account created but session issuance failed")
		return
	}

	h.logger.Info("account created", "account_id", acc.ID, "agent_id", primary.ID)

	c.JSON(http.StatusCreated, gin.H{
		"account":      acc,
		"agent":        primary,
		"wallet":       wallet,
		"apiKey":       rawKey,
		"sessionToken": token,
		"warning":      "Store this API key securely. It will not be shown again.",
	})
}

// Login handles POST /v1/auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "email and password are required")
		return
	}

	acc, err := h.store.GetAccountByEmail(c.Request.Context(), req.Email)
	if err != nil || !CheckPassword(acc.PasswordHash, req.Password) {
		// One message for both cases so login doesn't reveal which
		// emails are registered.
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "invalid email or password")
		return
	}

	token, err := h.sessions.Issue(acc.ID, h.sessionTTL)
	if err != nil {
		httpapi.Internal(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionToken": token, "account": acc})
}

// CreateAgent handles POST /v1/agents. Spawns a worker agent and
// returns its raw API key exactly once.
func (h *Handler) CreateAgent(c *gin.Context) {
	if !h.requireManager(c) {
		return
	}
	accountID := c.GetString("authAccountID")

	var req struct {
		Name     string         `json:"name" binding:"required"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "name is required")
		return
	}

	rawKey, keyHash, keyPrefix, err := NewAPIKey()
	if err != nil {
		httpapi.Internal(c)
		return
	}
	agent := &Agent{
		ID:           idgen.WithPrefix("agt_"),
		AccountID:    accountID,
		Name:         validation.SanitizeString(req.Name, 200),
		Role:         RoleWorker,
		Status:       AgentActive,
		APIKeyHash:   keyHash,
		APIKeyPrefix: keyPrefix,
		Metadata:     req.Metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.CreateAgent(c.Request.Context(), agent); err != nil {
		h.logger.Error("agent creation failed", "account_id", accountID, "error", err)
		httpapi.Internal(c)
		return
	}

	h.logger.Info("agent created", "account_id", accountID, "agent_id", agent.ID)

	c.JSON(http.StatusCreated, gin.H{
		"agent":   agent,
		"apiKey":  rawKey,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// ListAgents handles GET /v1/agents.
func (h *Handler) ListAgents(c *gin.Context) {
	accountID := c.GetString("authAccountID")
	agents, err := h.store.ListAgents(c.Request.Context(), accountID)
	if err != nil {
		httpapi.Internal(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// GetAgent handles GET /v1/agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// DeleteAgent handles DELETE /v1/agents/:id. The primary agent cannot
// be deleted.
func (h *Handler) DeleteAgent(c *gin.Context) {
	if !h.requireManager(c) {
		return
	}
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}
	if agent.Role == RolePrimary {
		httpapi.Error(c, http.StatusForbidden, httpapi.CodePolicyDenied, "the primary agent cannot be deleted")
		return
	}
	if err := h.store.DeleteAgent(c.Request.Context(), agent.ID); err != nil {
		if errors.Is(err, ErrPrimaryAgent) {
			httpapi.Error(c, http.StatusForbidden, httpapi.CodePolicyDenied, "the primary agent cannot be deleted")
			return
		}
		httpapi.Internal(c)
		return
	}
	if h.onKeyChange != nil {
		h.onKeyChange(agent.ID)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": agent.ID})
}

// RotateKey handles POST /v1/agents/:id/rotate-key. The old key stops
// working as soon as the auth cache entry expires.
func (h *Handler) RotateKey(c *gin.Context) {
	if !h.requireManager(c) {
		return
	}
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	rawKey, keyHash, keyPrefix, err := NewAPIKey()
	if err != nil {
		httpapi.Internal(c)
		return
	}
	if err := h.store.UpdateAgentKey(c.Request.Context(), agent.ID, keyHash, keyPrefix); err != nil {
		httpapi.Internal(c)
		return
	}
	if h.onKeyChange != nil {
		h.onKeyChange(agent.ID)
	}

	h.logger.Info("agent key rotated", "agent_id", agent.ID)

	c.JSON(http.StatusOK, gin.H{
		"agentId": agent.ID,
		"apiKey":  rawKey,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// ---------- helpers ----------

// ownedAgent loads the :id agent and checks it belongs to the caller's
// account. Responds 404 (not 403) for foreign agents so IDs don't leak.
func (h *Handler) ownedAgent(c *gin.Context) (*Agent, bool) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "agent not found")
			return nil, false
		}
		httpapi.Internal(c)
		return nil, false
	}
	if agent.AccountID != c.GetString("authAccountID") {
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "agent not found")
		return nil, false
	}
	return agent, true
}

// requireManager rejects worker agents. Agent management is reserved
// for the primary agent and session callers, which act as the primary.
func (h *Handler) requireManager(c *gin.Context) bool {
	if c.GetString("authAgentRole") != string(RolePrimary) {
		httpapi.Error(c, http.StatusForbidden, httpapi.CodePolicyDenied, "worker agents cannot manage agents")
		return false
	}
	return true
}
