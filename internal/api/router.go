// Package api exposes the voice pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"
	"voxsign/internal/enrollment"
	"voxsign/internal/signing"
	"voxsign/internal/voiceprofile"
	"voxsign/pkg/logger"
	"voxsign/pkg/model"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

type EnrollmentService interface {
	Upload(ctx context.Context, req enrollment.UploadRequest) (*enrollment.UploadResult, error)
	GetEnrollment(ctx context.Context, id string) (*enrollment.View, error)
	RequestProfileCreation(ctx context.Context, enrollmentID string) error
	RequestPendingProfiles(ctx context.Context, userID, reason string) error
}

type ProfileService interface {
	CheckProfile(ctx context.Context, profileID string) (*voiceprofile.ProfileStatus, error)
	CheckProfileForUser(ctx context.Context, userID string) (*voiceprofile.ProfileStatus, error)
	VerifyUserVoice(ctx context.Context, userID string, audio []byte) voiceprofile.VerificationResult
	ReEnrollUserVoice(ctx context.Context, userID string, audio []byte) voiceprofile.EnrollmentResult
}

type SigningService interface {
	SignVoiceField(ctx context.Context, req signing.SignRequest) (*model.Field, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	UploadRate     string
	MaxUploadBytes int64
	Health         map[string]HealthCheck
}

type Handler struct {
	enrollments EnrollmentService
	profiles    ProfileService
	signing     SigningService
	opts        Options
}

func NewHandler(enrollments EnrollmentService, profiles ProfileService, signer SigningService, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	if opts.UploadRate == "" {
		opts.UploadRate = "20-M"
	}
	return &Handler{
		enrollments: enrollments,
		profiles:    profiles,
		signing:     signer,
		opts:        opts,
	}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := rateLimit(h.opts.UploadRate)

	v1 := r.Group("/api/v1")
	voice := v1.Group("/voice")
	{
		voice.POST("/enrollments", limited, h.uploadEnrollment)
		voice.GET("/enrollments/:id", h.getEnrollment)
		voice.POST("/enrollments/:id/profile", h.requestProfile)
		voice.POST("/users/:userId/pending-profiles", h.requestPendingProfiles)
		voice.GET("/profiles/check", h.checkProfile)
		voice.POST("/verify", limited, h.verifyVoice)
		voice.POST("/reenroll", limited, h.reEnroll)
	}
	v1.POST("/fields/:fieldId/voice-signature", limited, h.signVoiceField)

	return r
}

func rateLimit(formatted string) gin.HandlerFunc {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		logger.Warn("Invalid upload rate, using default", zap.String("rate", formatted), zap.Error(err))
		rate = limiter.Rate{Period: time.Minute, Limit: 20}
	}
	return mgin.NewMiddleware(limiter.New(memory.NewStore(), rate))
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("HTTP request failed", fields...)
			return
		}
		logger.Debug("HTTP request", fields...)
	}
}
