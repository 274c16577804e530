package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"voxsign/pkg/apperr"
	"voxsign/pkg/cache"
	"voxsign/pkg/logger"
	"voxsign/pkg/model"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// EnrollmentLookup resolves enrollments for the /enrollment command.
type EnrollmentLookup interface {
	GetEnrollmentByID(ctx context.Context, id string) (*model.VoiceEnrollment, error)
}

// Telegram posts pipeline alerts to an ops chat and answers a few status
// commands there.
type Telegram struct {
	tb        *tele.Bot
	out       sender
	opsChatID int64
	cache     cache.Cache
	lookup    EnrollmentLookup
}

func NewTelegram(token string, opsChatID int64, c cache.Cache, lookup EnrollmentLookup) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}

	tb, err := tele.NewBot(tele.Settings{
		Token: token,
		Poller: &tele.LongPoller{
			Timeout: 10 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	t := newTelegram(tb, opsChatID, c, lookup)
	t.tb = tb
	t.registerHandlers()

	logger.Info("Telegram notifier created", zap.Int64("ops_chat_id", opsChatID))
	return t, nil
}

func newTelegram(out sender, opsChatID int64, c cache.Cache, lookup EnrollmentLookup) *Telegram {
	return &Telegram{
		out:       out,
		opsChatID: opsChatID,
		cache:     c,
		lookup:    lookup,
	}
}

func (t *Telegram) registerHandlers() {
	t.tb.Handle("/start", func(c tele.Context) error {
		return c.Send(t.unmute(context.Background(), c.Chat().ID))
	})
	t.tb.Handle("/stop", func(c tele.Context) error {
		return c.Send(t.mute(context.Background(), c.Chat().ID))
	})
	t.tb.Handle("/enrollment", func(c tele.Context) error {
		return c.Send(t.enrollmentStatus(context.Background(), c.Message().Payload))
	})
}

// Start blocks polling for commands until Stop is called.
func (t *Telegram) Start() {
	if t.tb == nil {
		return
	}
	logger.Info("Telegram notifier polling started")
	t.tb.Start()
}

func (t *Telegram) Stop() {
	if t.tb == nil {
		return
	}
	t.tb.Stop()
	logger.Info("Telegram notifier stopped")
}

func (t *Telegram) mute(ctx context.Context, chatID int64) string {
	if err := t.cache.SetWithTTL(ctx, cache.OpsChatMutedCacheKey(chatID), "true", 30*24*time.Hour); err != nil {
		logger.Error("Failed to mute chat", zap.Int64("chat_id", chatID), zap.Error(err))
		return "Could not mute alerts, try again."
	}
	logger.Info("Ops alerts muted", zap.Int64("chat_id", chatID))
	return "Alerts muted. Send /start to resume."
}

func (t *Telegram) unmute(ctx context.Context, chatID int64) string {
	if err := t.cache.Delete(ctx, cache.OpsChatMutedCacheKey(chatID)); err != nil {
		logger.Error("Failed to unmute chat", zap.Int64("chat_id", chatID), zap.Error(err))
		return "Could not resume alerts, try again."
	}
	logger.Info("Ops alerts resumed", zap.Int64("chat_id", chatID))
	return "Alerts are on."
}

func (t *Telegram) muted(ctx context.Context, chatID int64) bool {
	muted, err := t.cache.Exists(ctx, cache.OpsChatMutedCacheKey(chatID))
	if err != nil {
		// alerts stay on when the cache is unreachable
		return false
	}
	return muted
}

func (t *Telegram) enrollmentStatus(ctx context.Context, payload string) string {
	id := strings.TrimSpace(payload)
	if id == "" {
		return "Usage: /enrollment <id>"
	}

	e, err := t.lookup.GetEnrollmentByID(ctx, id)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return "Enrollment " + id + " not found."
		}
		logger.Error("Enrollment lookup failed", zap.String("enrollment_id", id), zap.Error(err))
		return "Lookup failed, see logs."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Enrollment %s\nuser: %s\nstatus: %s\nactive: %t", e.ID, e.UserID, e.ProcessingStatus, e.IsActive)
	if e.HasProfile() {
		fmt.Fprintf(&b, "\nprofile: %s", *e.VoiceProfileID)
	}
	if e.ProcessingError != nil {
		fmt.Fprintf(&b, "\nerror: %s", *e.ProcessingError)
	}
	return b.String()
}

func (t *Telegram) notify(ctx context.Context, text string) {
	if t.muted(ctx, t.opsChatID) {
		return
	}
	if _, err := t.out.Send(&tele.Chat{ID: t.opsChatID}, text); err != nil {
		logger.Error("Failed to send ops notification", zap.Int64("chat_id", t.opsChatID), zap.Error(err))
	}
}

func (t *Telegram) EnrollmentFailed(ctx context.Context, e *model.VoiceEnrollment, stage string, err error) {
	t.notify(ctx, fmt.Sprintf("Enrollment %s of user %s failed at %s: %v", e.ID, e.UserID, stage, err))
}

func (t *Telegram) ProfileCreated(ctx context.Context, e *model.VoiceEnrollment, profileID string) {
	t.notify(ctx, fmt.Sprintf("Voice profile %s created for user %s (enrollment %s)", profileID, e.UserID, e.ID))
}
