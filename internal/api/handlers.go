package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"voxsign/internal/enrollment"
	"voxsign/internal/signing"
	"voxsign/pkg/apperr"
	"voxsign/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// UserHeader carries the authenticated user id set by the gateway in front
// of this service.
const UserHeader = "X-User-ID"

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("route", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.PublicMessage(err)})
}

func userID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(UserHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(c.PostForm("userId"))
}

// readFile returns the multipart "file" part, bounded by the upload limit.
func (h *Handler) readFile(c *gin.Context) ([]byte, string, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", "", apperr.Newf(apperr.KindValidation, "recording exceeds %d bytes", h.opts.MaxUploadBytes)
		}
		return nil, "", "", apperr.ErrMissingFile
	}

	f, err := fh.Open()
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to read upload: %w", err)
	}
	return data, fh.Filename, fh.Header.Get("Content-Type"), nil
}

func (h *Handler) uploadEnrollment(c *gin.Context) {
	data, filename, contentType, err := h.readFile(c)
	if err != nil {
		respondError(c, err)
		return
	}
	uid := userID(c)
	if uid == "" {
		respondError(c, apperr.New(apperr.KindValidation, "userId is required"))
		return
	}

	result, err := h.enrollments.Upload(c.Request.Context(), enrollment.UploadRequest{
		UserID:      uid,
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
		Duration:    cast.ToFloat64(c.PostForm("duration")),
		IsAudioOnly: cast.ToBool(c.PostForm("isAudioOnly")),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (h *Handler) getEnrollment(c *gin.Context) {
	view, err := h.enrollments.GetEnrollment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) requestProfile(c *gin.Context) {
	if err := h.enrollments.RequestProfileCreation(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (h *Handler) requestPendingProfiles(c *gin.Context) {
	err := h.enrollments.RequestPendingProfiles(c.Request.Context(), c.Param("userId"), c.Query("reason"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (h *Handler) checkProfile(c *gin.Context) {
	ctx := c.Request.Context()
	profileID := c.Query("profileId")
	uid := c.Query("userId")

	var (
		status interface{}
		err    error
	)
	switch {
	case profileID != "":
		status, err = h.profiles.CheckProfile(ctx, profileID)
	case uid != "":
		status, err = h.profiles.CheckProfileForUser(ctx, uid)
	default:
		err = apperr.New(apperr.KindValidation, "profileId or userId is required")
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) verifyVoice(c *gin.Context) {
	data, _, _, err := h.readFile(c)
	if err != nil {
		respondError(c, err)
		return
	}
	uid := userID(c)
	if uid == "" {
		respondError(c, apperr.New(apperr.KindValidation, "userId is required"))
		return
	}

	c.JSON(http.StatusOK, h.profiles.VerifyUserVoice(c.Request.Context(), uid, data))
}

func (h *Handler) reEnroll(c *gin.Context) {
	data, _, _, err := h.readFile(c)
	if err != nil {
		respondError(c, err)
		return
	}
	uid := userID(c)
	if uid == "" {
		respondError(c, apperr.New(apperr.KindValidation, "userId is required"))
		return
	}

	result := h.profiles.ReEnrollUserVoice(c.Request.Context(), uid, data)
	if !result.Success {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

type signVoiceRequest struct {
	Token    string `json:"token" binding:"required"`
	Value    string `json:"value"`
	Metadata string `json:"metadata"`
}

func (h *Handler) signVoiceField(c *gin.Context) {
	var req signVoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(err, apperr.KindValidation, "invalid request body"))
		return
	}

	field, err := h.signing.SignVoiceField(c.Request.Context(), signing.SignRequest{
		FieldID:  c.Param("fieldId"),
		Token:    req.Token,
		Value:    req.Value,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, field)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.opts.Health))
	healthy := true
	for name, check := range h.opts.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "checks": checks})
}
