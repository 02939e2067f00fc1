package capability

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the capability directory.
type Handler struct {
	registry *Registry
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes mounts the directory on an authenticated group.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/capabilities", h.List)
}

// List returns each capability with its providers in routing order.
func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"capabilities": h.registry.List()})
}
