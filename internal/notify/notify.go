// Package notify tells operators about enrollment pipeline outcomes.
package notify

import (
	"context"
	"voxsign/pkg/logger"
	"voxsign/pkg/model"

	"go.uber.org/zap"
)

// Noop only logs. It is used when no ops chat is configured.
type Noop struct{}

func (Noop) EnrollmentFailed(ctx context.Context, e *model.VoiceEnrollment, stage string, err error) {
	logger.Debug("Enrollment failure not forwarded",
		zap.String("enrollment_id", e.ID),
		zap.String("stage", stage),
		zap.Error(err))
}

func (Noop) ProfileCreated(ctx context.Context, e *model.VoiceEnrollment, profileID string) {}
