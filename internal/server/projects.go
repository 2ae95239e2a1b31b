package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timeweaver/internal/notifications"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/projects"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type membershipPayload struct {
	ProjectID int64     `json:"projectId"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	InvitedBy string    `json:"invitedBy,omitempty"`
	Accepted  bool      `json:"accepted"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newMembershipPayload(membership projects.Membership) membershipPayload {
	return membershipPayload{
		ProjectID: membership.ProjectID,
		Username:  membership.Username,
		Role:      membership.Role,
		InvitedBy: membership.InvitedBy,
		Accepted:  membership.Accepted,
		UpdatedAt: membership.UpdatedAt,
	}
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	inviter := c.GetString(usernameContextKey)
	projectID, ok := parseProjectID(c)
	if !ok {
		return
	}
	invitee := strings.TrimSpace(c.Param("username"))
	ctx := c.Request.Context()

	exists, err := h.accounts.Exists(ctx, invitee)
	if err != nil {
		h.logger.Error("account lookup failed", zap.String("username", invitee), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_lookup_failed"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	}

	invitation, err := h.projects.Invite(ctx, projectID, inviter, invitee, c.Query("role"))
	if err != nil {
		h.writeMembershipError(c, err)
		return
	}

	if _, err := h.notifications.NotifyUser(ctx, invitee, notifications.EventProjectInvitation, map[string]any{
		"projectId": projectID,
		"invitedBy": inviter,
		"role":      invitation.Role,
	}); err != nil {
		h.logger.Warn("failed to notify invitee", zap.String("username", invitee), zap.Error(err))
	}
	c.JSON(http.StatusOK, newMembershipPayload(invitation))
}

func (h *httpHandler) handleAcceptInvitation(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	projectID, ok := parseProjectID(c)
	if !ok {
		return
	}
	if strings.TrimSpace(c.Param("username")) != username {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	ctx := c.Request.Context()

	membership, err := h.projects.Accept(ctx, projectID, username)
	if err != nil {
		h.writeMembershipError(c, err)
		return
	}

	if membership.InvitedBy != "" {
		if _, err := h.notifications.NotifyUser(ctx, membership.InvitedBy, notifications.EventInvitationAccepted, map[string]any{
			"projectId": projectID,
			"username":  username,
		}); err != nil {
			h.logger.Warn("failed to notify inviter", zap.String("username", membership.InvitedBy), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, newMembershipPayload(membership))
}

func (h *httpHandler) writeMembershipError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, projects.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, projects.ErrNotManager):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, projects.ErrInvitationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "invitation_not_found"})
	case errors.Is(err, projects.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": "already_member"})
	default:
		h.logger.Error("membership operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership_failed"})
	}
}

func parseProjectID(c *gin.Context) (int64, bool) {
	projectID, err := strconv.ParseInt(c.Param("projectId"), 10, 64)
	if err != nil || projectID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_id"})
		return 0, false
	}
	return projectID, true
}
