package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// GetSubscriptionContent serves the bundle to VPN client apps. The body is
// the base64 content; the expiry travels in Subscription-Userinfo. Links
// without the matching expire and token get BUNDLE_NOT_FOUND.
func (h *Handler) GetSubscriptionContent(c *gin.Context) {
	externalID, err := externalIDParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	bundle, err := h.provisionService.BundleForLink(c.Request.Context(), externalID, c.Query("expire"), c.Query("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Subscription-Userinfo", fmt.Sprintf("upload=0; download=0; total=0; expire=%d", bundle.ExpiresAt.Unix()))
	c.Header("Profile-Update-Interval", "24")
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(bundle.Content))
}

// GetSubscriptionQR renders the bundle's direct link as a PNG QR code.
func (h *Handler) GetSubscriptionQR(c *gin.Context) {
	externalID, err := externalIDParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	bundle, err := h.provisionService.BundleForLink(c.Request.Context(), externalID, c.Query("expire"), c.Query("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	png, err := qrcode.Encode(bundle.Direct, qrcode.Medium, qrSize)
	if err != nil {
		h.respondError(c, apperrors.Internal("failed to render QR code", err))
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}
