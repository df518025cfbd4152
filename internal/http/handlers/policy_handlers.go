package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/http/middleware"
)

type PolicyHandlers struct{ svc domain.PolicyService }

func NewPolicyHandlers(svc domain.PolicyService) *PolicyHandlers {
	return &PolicyHandlers{svc: svc}
}

type policyReq struct {
	Role     string `json:"role" binding:"required"`
	Resource string `json:"resource" binding:"required"`
	Action   string `json:"action" binding:"required"`
}

func (h *PolicyHandlers) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.svc.GetPolicies()})
}

func (h *PolicyHandlers) Add(c *gin.Context) {
	var r policyReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.AddPolicy(r.Role, r.Resource, r.Action); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Policy not added"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PolicyHandlers) Remove(c *gin.Context) {
	var r policyReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.RemovePolicy(r.Role, r.Resource, r.Action); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Policy not removed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Check answers whether the signed-in user's role may perform an action
func (h *PolicyHandlers) Check(c *gin.Context) {
	resource, action := c.Query("resource"), c.Query("action")
	if resource == "" || action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource and action are required"})
		return
	}
	role := c.GetString(middleware.CtxUserRole)
	allowed, err := h.svc.CheckPermission(role, resource, action)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Authorization check failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"role":     role,
			"resource": resource,
			"action":   action,
			"allowed":  allowed,
		},
	})
}
