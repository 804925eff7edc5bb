package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"rbio.com/nutribot/internal/metrics"
	"rbio.com/nutribot/internal/session"
)

const (
	defaultPipelineTimeout = 60 * time.Second
	writeBackRetries       = 4
	defaultWriteBackDelay  = 200 * time.Millisecond
	abandonTimeout         = 5 * time.Second
)

// Sender delivers one outbound message to a user.
type Sender interface {
	Send(ctx context.Context, userID, text string) error
}

type Recommender interface {
	Recommend(ctx context.Context, draft session.PreferenceDraft) (*Recommendation, error)
}

type ChatDeps struct {
	Sessions        session.Store
	Locker          *session.Locker
	Machine         *Machine
	Recommender     Recommender
	Sender          Sender
	PipelineTimeout time.Duration
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

// ChatService turns inbound messages into session updates and outbound messages. Messages of one user
// are processed one at a time; recommendation runs happen outside the user's lock.
type ChatService struct {
	sessions    session.Store
	locker      *session.Locker
	machine     *Machine
	recommender Recommender
	sender      Sender
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// first delay between write-back attempts, doubled on each retry
	writeBackDelay time.Duration

	pipelines sync.WaitGroup
}

func NewChatService(deps ChatDeps) (*ChatService, error) {
	if deps.Sessions == nil || deps.Machine == nil || deps.Recommender == nil || deps.Sender == nil {
		return nil, errors.New("chat service requires sessions, machine, recommender and sender")
	}
	if deps.Locker == nil {
		deps.Locker = session.NewLocker()
	}
	if deps.PipelineTimeout <= 0 {
		deps.PipelineTimeout = defaultPipelineTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &ChatService{
		sessions:    deps.Sessions,
		locker:      deps.Locker,
		machine:     deps.Machine,
		recommender: deps.Recommender,
		sender:      deps.Sender,
		timeout:     deps.PipelineTimeout,
		metrics:     deps.Metrics,
		logger:      deps.Logger,

		writeBackDelay: defaultWriteBackDelay,
	}, nil
}

// HandleMessage processes one inbound message. The returned error is for the transport's logs only;
// the user has already been told whatever they need to know.
func (s *ChatService) HandleMessage(ctx context.Context, userID, text string) error {
	log := s.logger.With(zap.String("user_id", userID))

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		s.metrics.Message(metrics.OutcomeFailed)
		return fmt.Errorf("failed to lock session: %w", err)
	}
	defer unlock()

	var out Outcome
	sess, err := s.sessions.Get(ctx, userID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		log.Info("new session")
		sess = session.New(userID)
		out = s.machine.Start(sess)
	case err != nil:
		s.metrics.Message(metrics.OutcomeFailed)
		s.send(ctx, userID, []string{msgApology})
		return fmt.Errorf("failed to load session: %w", err)
	default:
		from := sess.State
		out = s.machine.Handle(ctx, sess, text)
		log.Debug("transition", zap.String("from", string(from)), zap.String("to", string(out.Next)))
	}

	if out.Discarded {
		log.Info("message discarded while waiting for recommendation", zap.String("state", string(sess.State)))
		s.metrics.Message(metrics.OutcomeDiscarded)
		return nil
	}

	if err := s.save(ctx, sess); err != nil {
		s.metrics.Message(metrics.OutcomeFailed)
		s.send(ctx, userID, []string{msgApology})
		return err
	}
	s.send(ctx, userID, out.Messages)
	s.metrics.Message(metrics.OutcomeHandled)

	if out.Pipeline != nil {
		s.startPipeline(ctx, userID, sess.PendingRun, *out.Pipeline)
	}
	return nil
}

// Wait blocks until every started recommendation run has been applied or dropped, or ctx is done.
func (s *ChatService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pipelines.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChatService) startPipeline(ctx context.Context, userID, runID string, draft session.PreferenceDraft) {
	// the run outlives the inbound request
	base := context.WithoutCancel(ctx)

	s.pipelines.Add(1)
	go func() {
		defer s.pipelines.Done()

		runCtx, cancel := context.WithTimeout(base, s.timeout)
		rec, err := s.recommender.Recommend(runCtx, draft)
		cancel()

		applyCtx, cancel := context.WithTimeout(base, s.timeout)
		defer cancel()
		if err := s.applyResult(applyCtx, userID, runID, rec, err); err != nil {
			s.logger.Error("failed to apply recommendation", zap.String("user_id", userID), zap.Error(err))
			s.abandonRun(base, userID, runID)
		}
	}()
}

// applyResult writes a finished run back to the session, retrying storage failures with backoff.
// Results for a session that expired or started another run are dropped.
func (s *ChatService) applyResult(ctx context.Context, userID, runID string, rec *Recommendation, runErr error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.writeBackDelay
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.tryApply(ctx, userID, runID, rec, runErr)
		if err != nil {
			s.logger.Warn("recommendation write-back failed", zap.String("user_id", userID),
				zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, writeBackRetries), ctx))
}

func (s *ChatService) tryApply(ctx context.Context, userID, runID string, rec *Recommendation, runErr error) error {
	log := s.logger.With(zap.String("user_id", userID))

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to lock session: %w", err)
	}
	defer unlock()

	sess, err := s.sessions.Get(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		log.Info("dropping recommendation, session expired")
		s.metrics.LateResult()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if sess.State != session.WaitingForPipeline || sess.PendingRun != runID {
		log.Info("dropping recommendation, session moved on", zap.String("state", string(sess.State)))
		s.metrics.LateResult()
		return nil
	}

	out := s.machine.Complete(sess, rec, runErr)
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	s.send(ctx, userID, out.Messages)
	return nil
}

// abandonRun clears a session whose result could not be written back, so the user's next message
// starts over instead of being discarded until the session expires.
func (s *ChatService) abandonRun(base context.Context, userID, runID string) {
	ctx, cancel := context.WithTimeout(base, abandonTimeout)
	defer cancel()
	log := s.logger.With(zap.String("user_id", userID))

	if unlock, err := s.locker.Lock(ctx, userID); err == nil {
		defer unlock()
		if sess, err := s.sessions.Get(ctx, userID); err == nil && sess.PendingRun != runID {
			// already replaced by a newer run or message
			return
		}
	} else {
		log.Warn("clearing session without its lock", zap.Error(err))
	}

	if err := s.sessions.Delete(ctx, userID); err != nil {
		log.Error("failed to clear session after write-back failure", zap.Error(err))
	}
	s.metrics.Message(metrics.OutcomeFailed)
	s.send(ctx, userID, []string{msgApology})
}

func (s *ChatService) save(ctx context.Context, sess *session.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	if err := s.sessions.Set(ctx, sess.UserID, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *ChatService) send(ctx context.Context, userID string, messages []string) {
	for _, msg := range messages {
		if err := s.sender.Send(ctx, userID, msg); err != nil {
			s.logger.Warn("failed to send message", zap.String("user_id", userID), zap.Error(err))
		}
	}
}
