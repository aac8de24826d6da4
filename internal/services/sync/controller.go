// Package sync holds the sync controller and the upload and download
// engines. One controller owns all queue transitions; engines are driven
// only from the controller's cycle and report failures through mode
// changes, never directly to the caller.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TheMichaelB/stagesync/internal/config"
	"github.com/TheMichaelB/stagesync/internal/events"
	"github.com/TheMichaelB/stagesync/internal/models"
	"github.com/TheMichaelB/stagesync/internal/queue"
	"github.com/TheMichaelB/stagesync/internal/transport"
)

// ResetScope selects what an error reset discards.
type ResetScope uint8

const (
	// ResetLocal discards all pending and in-flight queues without
	// contacting the server. Data loss by design.
	ResetLocal ResetScope = 1 << iota

	// ResetServer asks the server to discard its staged operation state.
	ResetServer

	// ResetBoth combines both scopes.
	ResetBoth = ResetLocal | ResetServer
)

// Controller is the top-level sync state machine.
type Controller struct {
	store     *queue.Store
	transport transport.Transport
	notifier  *events.Notifier
	logger    *events.Logger
	clock     clockwork.Clock

	pollInterval time.Duration
	maxRetries   int
	downloadDir  string

	// opMu is the advisory cycle lock: at most one sync cycle runs at a
	// time, acquired with try-lock semantics.
	opMu sync.Mutex

	// commitMu serializes the race between a finishing cycle deciding to
	// stop and a new commit arriving wanting to start.
	commitMu sync.Mutex
}

// NewController wires a controller. The clock is injectable for tests.
func NewController(
	store *queue.Store,
	tr transport.Transport,
	notifier *events.Notifier,
	cfg *config.Config,
	clock clockwork.Clock,
	logger *events.Logger,
) *Controller {
	return &Controller{
		store:        store,
		transport:    tr,
		notifier:     notifier,
		logger:       logger.WithField("component", "sync_controller"),
		clock:        clock,
		pollInterval: cfg.Sync.PollInterval,
		maxRetries:   cfg.Sync.MaxRetries,
		downloadDir:  cfg.Storage.DownloadDir,
	}
}

// Commit moves the prepared uploads to the committed list. Held under the
// commit lock so a commit either joins the in-flight cycle or triggers a
// fresh one, never falls between the two.
func (c *Controller) Commit() (bool, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	return c.store.Commit()
}

// NextSyncOperation runs one sync cycle. If a cycle is already in flight
// the call is a no-op reported as an informational event. Cycle failures
// are reported through mode changes, not returned; the error return covers
// only refusal to start.
func (c *Controller) NextSyncOperation(ctx context.Context) error {
	c.commitMu.Lock()
	if !c.opMu.TryLock() {
		c.commitMu.Unlock()
		c.notifier.Report(models.Event{Type: models.EventLockAlreadyHeld})
		return nil
	}
	c.commitMu.Unlock()

	return c.run(ctx)
}

// run executes one cycle and owns releasing the cycle lock. On the idle
// exit the cycle lock must drop inside the commit-lock critical section:
// once a racing commit acquires the commit lock the cycle lock is already
// free, so its follow-up sync call can never no-op against a cycle that
// has stopped looking for work.
func (c *Controller) run(ctx context.Context) error {
	mode, err := c.store.Mode()
	if err != nil {
		c.opMu.Unlock()
		return err
	}

	switch mode.Kind {
	case models.ModeNonRecoverableError, models.ModeInternalError, models.ModeResettingFromError:
		c.opMu.Unlock()
		return fmt.Errorf("cannot sync in mode %s; error reset required", mode)
	case models.ModeSynchronizing, models.ModeNetworkNotConnected:
		// Interrupted cycle (crash or lost connectivity); resuming is
		// itself the recovery step.
		c.logger.WithField("mode", mode.String()).Info("Recovering interrupted sync")
		c.notifier.Report(models.Event{Type: models.EventRecovery})
	}

	if !c.transport.Connected() {
		c.setMode(models.NetworkNotConnected())
		c.opMu.Unlock()
		return nil
	}

	c.setMode(models.Synchronizing())

	indexChecked := false
	for {
		done, err := c.step(ctx, &indexChecked)
		if err != nil {
			c.fail(err)
			c.opMu.Unlock()
			return nil
		}
		if !done {
			continue
		}

		// Stop decision under the commit lock: a commit that raced us has
		// either already landed (we see it here) or will start a new cycle.
		c.commitMu.Lock()
		more, err := c.hasWork()
		if err != nil {
			c.commitMu.Unlock()
			c.fail(err)
			c.opMu.Unlock()
			return nil
		}
		if more {
			c.commitMu.Unlock()
			continue
		}
		c.setMode(models.Idle())
		c.opMu.Unlock()
		c.commitMu.Unlock()
		return nil
	}
}

// step performs the highest-priority pending unit of work. Downloads
// always come before uploads; the server index is the ground truth.
func (c *Controller) step(ctx context.Context, indexChecked *bool) (bool, error) {
	active, err := c.downloadRoundActive()
	if err != nil {
		return false, err
	}
	if active {
		return false, c.runDownloads(ctx)
	}

	inFlight, err := c.store.UploadsInFlight()
	if err != nil {
		return false, err
	}
	if len(inFlight) > 0 {
		return false, c.runUploads(ctx)
	}

	if !*indexChecked {
		*indexChecked = true
		found, err := c.checkServerForDownloads(ctx)
		if err != nil {
			return false, err
		}
		if found {
			return false, nil
		}
		c.notifier.Report(models.Event{Type: models.EventDownloadsFinished})
	}

	committed, err := c.store.HasCommitted()
	if err != nil {
		return false, err
	}
	if committed {
		return false, c.store.PromoteOldestCommitted()
	}

	return true, nil
}

func (c *Controller) downloadRoundActive() (bool, error) {
	startup, err := c.store.Startup()
	if err != nil {
		return false, err
	}
	if startup != nil {
		return true, nil
	}
	ops, err := c.store.BeingDownloaded()
	if err != nil {
		return false, err
	}
	return len(ops) > 0, nil
}

func (c *Controller) hasWork() (bool, error) {
	active, err := c.downloadRoundActive()
	if err != nil || active {
		return active, err
	}
	inFlight, err := c.store.UploadsInFlight()
	if err != nil || len(inFlight) > 0 {
		return len(inFlight) > 0, err
	}
	return c.store.HasCommitted()
}

// fail translates a cycle failure into the corresponding mode.
func (c *Controller) fail(err error) {
	c.logger.WithError(err).Error("Sync cycle failed")

	switch {
	case errors.Is(err, models.ErrNetworkNotConnected):
		c.setMode(models.NetworkNotConnected())
	case models.IsInternalInconsistency(err), models.IsAPIMisuse(err):
		c.setMode(models.Internal(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Interrupted, not failed; the persisted Synchronizing mode makes
		// the next cycle a recovery step.
	default:
		c.setMode(models.NonRecoverable(err))
	}
}

// setMode persists the mode and notifies the caller atomically with the
// transition.
func (c *Controller) setMode(mode models.SyncMode) {
	if err := c.store.SetMode(mode); err != nil {
		c.logger.WithError(err).Error("Failed to persist mode")
	}
	c.notifier.ModeChanged(mode)
}

// ResetFromError recovers from a NonRecoverableError or InternalError
// mode. Local scope discards all queues; server scope discards staged
// server state. On server-reset failure the prior error mode is restored.
func (c *Controller) ResetFromError(ctx context.Context, scope ResetScope) error {
	if scope == 0 {
		return models.ErrEmptyResetScope
	}

	c.commitMu.Lock()
	if !c.opMu.TryLock() {
		c.commitMu.Unlock()
		return fmt.Errorf("sync cycle in progress")
	}
	c.commitMu.Unlock()
	defer c.opMu.Unlock()

	mode, err := c.store.Mode()
	if err != nil {
		return err
	}
	if !mode.IsError() && mode.Kind != models.ModeResettingFromError {
		return models.ErrNotInErrorMode
	}

	c.logger.WithField("scope", fmt.Sprintf("%b", scope)).Info("Resetting from error")
	c.setMode(models.ResettingFromError())

	if scope&ResetServer != 0 {
		if err := c.retry(ctx, "Cleanup", func() error {
			return c.transport.Cleanup(ctx)
		}); err != nil {
			c.setMode(mode)
			return fmt.Errorf("server cleanup: %w", err)
		}
	}

	if scope&ResetLocal != 0 {
		if err := c.store.Flush(); err != nil {
			c.setMode(mode)
			return fmt.Errorf("flush queues: %w", err)
		}
	}

	c.setMode(models.Idle())
	return nil
}

// retry runs fn with bounded exponential backoff (attempt squared, in
// seconds), gated on connectivity. Invariant violations and API misuse
// are never retried.
func (c *Controller) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if !c.transport.Connected() {
			return models.ErrNetworkNotConnected
		}

		err := fn()
		if err == nil {
			return nil
		}
		if models.IsAPIMisuse(err) || models.IsInternalInconsistency(err) ||
			errors.Is(err, models.ErrNetworkNotConnected) ||
			errors.Is(err, models.ErrNotSignedIn) {
			return err
		}
		lastErr = err

		if attempt < c.maxRetries {
			delay := time.Duration(attempt*attempt) * time.Second
			c.logger.WithFields(map[string]interface{}{
				"op":      op,
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("Retrying server operation")

			select {
			case <-c.clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, c.maxRetries, lastErr)
}

// pollOperation checks an operation id every poll interval until the
// server reports a terminal status. One check per timer fire.
func (c *Controller) pollOperation(ctx context.Context, opID string) (*transport.OperationStatus, error) {
	for {
		select {
		case <-c.clock.After(c.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		var status *transport.OperationStatus
		err := c.retry(ctx, "CheckOperationStatus", func() error {
			var err error
			status, err = c.transport.CheckOperationStatus(ctx, opID)
			return err
		})
		if err != nil {
			return nil, err
		}
		if !status.InProgress() {
			return status, nil
		}

		c.logger.WithFields(map[string]interface{}{
			"operation_id": opID,
			"status":       status.Status,
		}).Debug("Operation still in progress")
	}
}

// fetchIndex retrieves the server file index with retry.
func (c *Controller) fetchIndex(ctx context.Context) ([]models.ServerFile, error) {
	var index []models.ServerFile
	err := c.retry(ctx, "GetFileIndex", func() error {
		var err error
		index, err = c.transport.GetFileIndex(ctx)
		return err
	})
	return index, err
}
