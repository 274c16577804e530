package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
	"voxsign/internal/queue"
	"voxsign/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Consumer interface {
	Consume(ctx context.Context, queueName string, handler queue.Handler) error
}

// JobHandlers executes the two pipeline job kinds.
type JobHandlers interface {
	HandleExtraction(ctx context.Context, body []byte) error
	HandleProfileJob(ctx context.Context, body []byte) error
}

type PendingLister interface {
	ListUsersWithPendingEnrollments(ctx context.Context, limit int) ([]string, error)
}

type ProfilePublisher interface {
	PublishProfileCreation(ctx context.Context, job *queue.ProfileJob) error
}

type Options struct {
	SweepSchedule string
	SweepLimit    int
	JobTimeout    time.Duration
}

// Processor consumes the pipeline queues and periodically re-queues users
// whose enrollments still wait for a profile.
type Processor struct {
	consumer  Consumer
	handlers  JobHandlers
	pending   PendingLister
	publisher ProfilePublisher
	opts      Options
}

// NewProcessor creates a new worker processor
func NewProcessor(consumer Consumer, handlers JobHandlers, pending PendingLister, publisher ProfilePublisher, opts Options) *Processor {
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = "@every 10m"
	}
	if opts.SweepLimit <= 0 {
		opts.SweepLimit = 100
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	return &Processor{
		consumer:  consumer,
		handlers:  handlers,
		pending:   pending,
		publisher: publisher,
		opts:      opts,
	}
}

// Run blocks until ctx is cancelled or a consumer stops with an error.
func (p *Processor) Run(ctx context.Context) error {
	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := scheduler.AddFunc(p.opts.SweepSchedule, func() { p.runSweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", p.opts.SweepSchedule, err)
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	logger.Info("Worker started", zap.String("sweep", p.opts.SweepSchedule))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.consumer.Consume(gctx, queue.QueueAudioExtraction, p.withTimeout(p.handlers.HandleExtraction))
	})
	g.Go(func() error {
		return p.consumer.Consume(gctx, queue.QueueProfileCreation, p.withTimeout(p.handlers.HandleProfileJob))
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) withTimeout(h queue.Handler) queue.Handler {
	return func(ctx context.Context, body []byte) error {
		ctx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
		defer cancel()
		return h(ctx, body)
	}
}

func (p *Processor) runSweep(ctx context.Context) {
	queued, err := p.Sweep(ctx)
	if err != nil {
		logger.Error("Pending enrollment sweep failed", zap.Error(err))
		return
	}
	if queued > 0 {
		logger.Info("Pending enrollment sweep queued users", zap.Int("users", queued))
	}
}

// Sweep queues one profile creation job per user with pending enrollments
// and returns how many were queued.
func (p *Processor) Sweep(ctx context.Context) (int, error) {
	users, err := p.pending.ListUsersWithPendingEnrollments(ctx, p.opts.SweepLimit)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, userID := range users {
		job := &queue.ProfileJob{
			UserID:    userID,
			Reason:    queue.ReasonSweep,
			CreatedAt: time.Now(),
		}
		if err := p.publisher.PublishProfileCreation(ctx, job); err != nil {
			logger.Error("Failed to queue pending profiles",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		queued++
	}
	return queued, nil
}
