package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/gramvpn/provisioning-service/internal/service"
	"github.com/rs/zerolog"
)

type Handler struct {
	provisionService *service.ProvisionService
	log              zerolog.Logger
}

func NewHandler(provisionService *service.ProvisionService, log zerolog.Logger) *Handler {
	return &Handler{
		provisionService: provisionService,
		log:              log,
	}
}

// ==================== Responses ====================

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func errorResponse(err error) (int, gin.H) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal("internal server error", err)
	}
	return appErr.StatusCode, gin.H{
		"success": false,
		"error": errorBody{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		},
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, body)
}

func abortWithError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	c.AbortWithStatusJSON(status, body)
}

// bindOptionalJSON binds the body when one was sent.
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.BadRequest(err.Error())
	}
	return nil
}

func externalIDParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("external_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.BadRequest("external_id must be a positive integer")
	}
	return id, nil
}

// identity builds the caller's identity from the JWT claims, letting the
// request body fill in what the token lacks.
func identity(c *gin.Context, displayName, username, referralCode string) models.Identity {
	id := models.Identity{
		ExternalID:  c.GetInt64(ctxExternalID),
		DisplayName: c.GetString(ctxDisplayName),
		Username:    c.GetString(ctxUsername),
		InviterCode: referralCode,
	}
	if id.DisplayName == "" {
		id.DisplayName = displayName
	}
	if id.Username == "" {
		id.Username = username
	}
	return id
}

// ==================== Public API Handlers ====================

// GetPlans returns the plan catalog
func (h *Handler) GetPlans(c *gin.Context) {
	respondOK(c, h.provisionService.Plans())
}

// ==================== User API Handlers ====================

// RegisterMe loads or creates the caller's user record
func (h *Handler) RegisterMe(c *gin.Context) {
	var req models.RegisterUserRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.respondError(c, err)
		return
	}

	user, created, err := h.provisionService.RegisterUser(c.Request.Context(),
		identity(c, req.DisplayName, req.Username, req.ReferralCode))
	if err != nil {
		h.respondError(c, err)
		return
	}

	respondOK(c, gin.H{"user": user.Response(), "created": created})
}

// GetMyStatus returns the caller's subscription status
func (h *Handler) GetMyStatus(c *gin.Context) {
	status, err := h.provisionService.GetStatus(c.Request.Context(), c.GetInt64(ctxExternalID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, status)
}

// GetMyReferrals returns the caller's referral code and stats
func (h *Handler) GetMyReferrals(c *gin.Context) {
	stats, err := h.provisionService.ReferralStats(c.Request.Context(), c.GetInt64(ctxExternalID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, stats)
}

// StartMyTrial activates the caller's free trial
func (h *Handler) StartMyTrial(c *gin.Context) {
	var req models.TrialRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.provisionService.StartTrial(c.Request.Context(),
		identity(c, req.DisplayName, req.Username, req.ReferralCode))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, result)
}

// CreateMySubscription buys a plan for the caller
func (h *Handler) CreateMySubscription(c *gin.Context) {
	var req models.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	result, err := h.provisionService.CreateSubscription(c.Request.Context(),
		identity(c, req.DisplayName, req.Username, req.ReferralCode), req.Plan, req.PromoCode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, result)
}

// ValidatePromo checks a promo code, optionally against a plan
func (h *Handler) ValidatePromo(c *gin.Context) {
	var req models.ValidatePromoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	result, err := h.provisionService.ValidatePromoCode(c.Request.Context(), req.Code, req.Plan)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, result)
}

// ==================== Internal API Handlers ====================

// InternalStartTrial activates a trial on behalf of a bot backend
func (h *Handler) InternalStartTrial(c *gin.Context) {
	externalID, err := externalIDParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req models.TrialRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.provisionService.StartTrial(c.Request.Context(), models.Identity{
		ExternalID:  externalID,
		DisplayName: req.DisplayName,
		Username:    req.Username,
		InviterCode: req.ReferralCode,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, result)
}

// InternalCreateSubscription buys a plan on behalf of a bot backend
func (h *Handler) InternalCreateSubscription(c *gin.Context) {
	externalID, err := externalIDParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req models.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	result, err := h.provisionService.CreateSubscription(c.Request.Context(), models.Identity{
		ExternalID:  externalID,
		DisplayName: req.DisplayName,
		Username:    req.Username,
		InviterCode: req.ReferralCode,
	}, req.Plan, req.PromoCode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, result)
}

// InternalGetStatus returns a user's subscription status
func (h *Handler) InternalGetStatus(c *gin.Context) {
	externalID, err := externalIDParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status, err := h.provisionService.GetStatus(c.Request.Context(), externalID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, status)
}
