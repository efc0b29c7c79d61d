package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	licensedomain "github.com/tillworks/licensing/internal/license/domain"
)

type licenseResponse struct {
	LicenseKey          string     `json:"license_key"`
	Email               string     `json:"email"`
	Plan                string     `json:"plan"`
	Status              string     `json:"status"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	DeletionScheduledAt *time.Time `json:"deletion_scheduled_at,omitempty"`
}

func toLicenseResponse(license *licensedomain.License) licenseResponse {
	return licenseResponse{
		LicenseKey:          license.LicenseKey,
		Email:               license.Email,
		Plan:                string(license.Plan),
		Status:              string(license.Status),
		ExpiresAt:           license.ExpiresAt,
		DeletionScheduledAt: license.DeletionScheduledAt,
	}
}

func (s *Server) GetLicense(c *gin.Context) {
	caller, ok := callerIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	license, err := s.subscriptionSvc.GetLicense(c.Request.Context(), caller.Email)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toLicenseResponse(license))
}

func (s *Server) CancelSubscription(c *gin.Context) {
	caller, ok := callerIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	result, err := s.subscriptionSvc.Cancel(c.Request.Context(), caller.Email)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type changePlanRequest struct {
	TargetPlan string `json:"targetPlan"`
}

func (s *Server) ChangePlan(c *gin.Context) {
	caller, ok := callerIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.TargetPlan) == "" {
		AbortWithError(c, newValidationError("targetPlan", "invalid_plan", "target plan is required"))
		return
	}

	result, err := s.subscriptionSvc.ChangePlan(c.Request.Context(), caller.Email, req.TargetPlan)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ReactivateSubscription(c *gin.Context) {
	caller, ok := callerIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	result, err := s.subscriptionSvc.Reactivate(c.Request.Context(), caller.Email)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ScheduleDeletion(c *gin.Context) {
	caller, ok := callerIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	result, err := s.subscriptionSvc.ScheduleDeletion(c.Request.Context(), caller.Email)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) CancelDeletion(c *gin.Context) {
	caller, ok := callerIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	license, err := s.subscriptionSvc.CancelDeletion(c.Request.Context(), caller.Email)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"license": toLicenseResponse(license),
	})
}
