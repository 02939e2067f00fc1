package policy

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/saturn/internal/account"
	"github.com/mbd888/saturn/internal/httpapi"
	"github.com/mbd888/saturn/internal/idgen"
)

// Handler provides HTTP endpoints for reading and writing agent
// policies, including the kill switch.
type Handler struct {
	store     Store
	agents    account.Store
	evaluator *Evaluator
	logger    *slog.Logger

	// onMutate is invoked after every policy mutation so the auth cache
	// can drop the agent's entry. Wired by the server; nil-safe.
	onMutate func(agentID string)
}

// NewHandler creates a policy handler.
func NewHandler(store Store, agents account.Store, evaluator *Evaluator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, agents: agents, evaluator: evaluator, logger: logger}
}

// SetMutationHook registers the auth-cache invalidation callback.
func (h *Handler) SetMutationHook(fn func(agentID string)) {
	h.onMutate = fn
}

// RegisterRoutes sets up policy routes. The group must already carry
// the auth middleware.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/agents/:id/policy", h.Get)
	r.PUT("/agents/:id/policy", h.Replace)
	r.PATCH("/agents/:id/policy", h.Patch)
	r.POST("/agents/:id/policy/kill", h.Kill)
	r.POST("/agents/:id/policy/unkill", h.Unkill)
}

// writeRequest is the body for PUT and PATCH. On PUT, absent fields
// reset to "no constraint"; on PATCH, absent fields are left alone.
type writeRequest struct {
	MaxPerCallSats      *int64   `json:"maxPerCallSats"`
	MaxPerDaySats       *int64   `json:"maxPerDaySats"`
	MaxBalanceSats      *int64   `json:"maxBalanceSats"`
	AllowedServices     []string `json:"allowedServices"`
	DeniedServices      []string `json:"deniedServices"`
	AllowedCapabilities []string `json:"allowedCapabilities"`
	DeniedCapabilities  []string `json:"deniedCapabilities"`
	KillSwitch          *bool    `json:"killSwitch"`
}

// Get handles GET /v1/agents/:id/policy. Agents without a stored row
// get the default unconstrained policy.
func (h *Handler) Get(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}
	pol := h.loadOrDefault(c, agent.ID)
	if pol == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": pol})
}

// Replace handles PUT /v1/agents/:id/policy.
func (h *Handler) Replace(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "invalid policy body")
		return
	}

	pol := &Policy{
		AgentID:             agent.ID,
		MaxPerCallSats:      req.MaxPerCallSats,
		MaxPerDaySats:       req.MaxPerDaySats,
		MaxBalanceSats:      req.MaxBalanceSats,
		AllowedServices:     req.AllowedServices,
		DeniedServices:      req.DeniedServices,
		AllowedCapabilities: req.AllowedCapabilities,
		DeniedCapabilities:  req.DeniedCapabilities,
		KillSwitch:          req.KillSwitch != nil && *req.KillSwitch,
	}
	if existing, err := h.store.Get(c.Request.Context(), agent.ID); err == nil {
		pol.ID = existing.ID
	}
	h.writePolicy(c, pol)
}

// Patch handles PATCH /v1/agents/:id/policy. Only fields present in
// the body change; use PUT to clear a constraint.
func (h *Handler) Patch(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "invalid policy body")
		return
	}

	pol := h.loadOrDefault(c, agent.ID)
	if pol == nil {
		return
	}
	if req.MaxPerCallSats != nil {
		pol.MaxPerCallSats = req.MaxPerCallSats
	}
	if req.MaxPerDaySats != nil {
		pol.MaxPerDaySats = req.MaxPerDaySats
	}
	if req.MaxBalanceSats != nil {
		pol.MaxBalanceSats = req.MaxBalanceSats
	}
	if req.AllowedServices != nil {
		pol.AllowedServices = req.AllowedServices
	}
	if req.DeniedServices != nil {
		pol.DeniedServices = req.DeniedServices
	}
	if req.AllowedCapabilities != nil {
		pol.AllowedCapabilities = req.AllowedCapabilities
	}
	if req.DeniedCapabilities != nil {
		pol.DeniedCapabilities = req.DeniedCapabilities
	}
	if req.KillSwitch != nil {
		pol.KillSwitch = *req.KillSwitch
	}
	h.writePolicy(c, pol)
}

// Kill handles POST /v1/agents/:id/policy/kill. Sets the kill switch
// and marks the agent killed in one stroke.
func (h *Handler) Kill(c *gin.Context) {
	h.setKilled(c, true)
}

// Unkill handles POST /v1/agents/:id/policy/unkill.
func (h *Handler) Unkill(c *gin.Context) {
	h.setKilled(c, false)
}

func (h *Handler) setKilled(c *gin.Context, killed bool) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	pol := h.loadOrDefault(c, agent.ID)
	if pol == nil {
		return
	}
	pol.KillSwitch = killed
	if pol.ID == "" {
		pol.ID = idgen.WithPrefix("pol_")
	}
	pol.UpdatedAt = time.Now().UTC()
	if err := h.store.Upsert(c.Request.Context(), pol); err != nil {
		h.logger.Error("policy upsert failed", "agent_id", agent.ID, "error", err)
		httpapi.Internal(c)
		return
	}

	status := account.AgentKilled
	if !killed {
		status = account.AgentActive
	}
	if err := h.agents.SetAgentStatus(c.Request.Context(), agent.ID, status); err != nil {
		h.logger.Error("agent status change failed", "agent_id", agent.ID, "error", err)
		httpapi.Internal(c)
		return
	}
	h.invalidate(agent.ID)

	h.logger.Info("agent kill switch changed",
		"agent_id", agent.ID, "killed", killed)

	c.JSON(http.StatusOK, gin.H{"policy": pol, "agentStatus": status})
}

// writePolicy validates, persists, and invalidates caches.
func (h *Handler) writePolicy(c *gin.Context, pol *Policy) {
	if err := pol.Validate(); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, err.Error())
		return
	}
	if pol.ID == "" {
		pol.ID = idgen.WithPrefix("pol_")
	}
	pol.UpdatedAt = time.Now().UTC()
	if err := h.store.Upsert(c.Request.Context(), pol); err != nil {
		h.logger.Error("policy upsert failed", "agent_id", pol.AgentID, "error", err)
		httpapi.Internal(c)
		return
	}
	h.invalidate(pol.AgentID)
	c.JSON(http.StatusOK, gin.H{"policy": pol})
}

func (h *Handler) invalidate(agentID string) {
	if h.evaluator != nil {
		h.evaluator.InvalidateDailySpend(agentID)
	}
	if h.onMutate != nil {
		h.onMutate(agentID)
	}
}

// loadOrDefault fetches the stored policy or falls back to the
// unconstrained default. Responds 500 and returns nil on store errors.
func (h *Handler) loadOrDefault(c *gin.Context, agentID string) *Policy {
	pol, err := h.store.Get(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return Default(agentID)
		}
		httpapi.Internal(c)
		return nil
	}
	return pol
}

// ownedAgent loads the :id agent, requires a primary-role caller, and
// checks account ownership. Foreign agents get a 404 so IDs don't leak.
func (h *Handler) ownedAgent(c *gin.Context) (*account.Agent, bool) {
	if c.GetString("authAgentRole") != string(account.RolePrimary) {
		httpapi.Error(c, http.StatusForbidden, httpapi.CodePolicyDenied, "worker agents cannot manage policies")
		return nil, false
	}
	agent, err := h.agents.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, account.ErrAgentNotFound) {
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
