// Package client is the caller-facing surface of the sync engine: enqueue
// uploads and deletions, commit them, trigger sync cycles, and receive
// lifecycle callbacks through a delegate.
package client

import (
	"context"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jonboulle/clockwork"

	"github.com/TheMichaelB/stagesync/internal/config"
	"github.com/TheMichaelB/stagesync/internal/creds"
	"github.com/TheMichaelB/stagesync/internal/events"
	"github.com/TheMichaelB/stagesync/internal/models"
	"github.com/TheMichaelB/stagesync/internal/queue"
	"github.com/TheMichaelB/stagesync/internal/services/sync"
	"github.com/TheMichaelB/stagesync/internal/transport"
)

// Client provides the high-level API for sync operations.
type Client struct {
	config     *config.Config
	logger     *events.Logger
	store      *queue.Store
	transport  transport.Transport
	notifier   *events.Notifier
	controller *sync.Controller
	creds      creds.Provider

	push *transport.PushListener
}

// New creates a client from configuration.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := queue.Open(cfg.Storage.QueueDB, logger)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	var provider creds.Provider
	if cfg.Auth.Token != "" {
		provider = creds.Static{C: creds.Credentials{
			AccountType: cfg.Auth.AccountType,
			UserID:      cfg.Auth.UserID,
			Token:       cfg.Auth.Token,
		}}
	} else {
		provider = creds.NewFileProvider(cfg.Auth.CredentialsFile)
	}

	tr := transport.NewHTTPClient(cfg, provider, logger)
	notifier := events.NewNotifier(logger)
	controller := sync.NewController(store, tr, notifier, cfg, clockwork.NewRealClock(), logger)

	return &Client{
		config:     cfg,
		logger:     logger.WithField("component", "client"),
		store:      store,
		transport:  tr,
		notifier:   notifier,
		controller: controller,
		creds:      provider,
	}, nil
}

// NewWithTransport creates a client over an explicit transport and clock.
// Used by tests.
func NewWithTransport(cfg *config.Config, tr transport.Transport, clock clockwork.Clock, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := queue.Open(cfg.Storage.QueueDB, logger)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	notifier := events.NewNotifier(logger)
	controller := sync.NewController(store, tr, notifier, cfg, clock, logger)

	return &Client{
		config:     cfg,
		logger:     logger.WithField("component", "client"),
		store:      store,
		transport:  tr,
		notifier:   notifier,
		controller: controller,
	}, nil
}

// SetDelegate installs the callback receiver. Callbacks are delivered one
// at a time.
func (c *Client) SetDelegate(d events.Delegate) {
	c.notifier.SetDelegate(d)
}

// EnqueueUpload queues localPath's content for upload as the file
// identified by attrs.UUID. The MIME type is sniffed from the content
// when attrs omits it.
func (c *Client) EnqueueUpload(localPath string, attrs models.SyncAttributes) error {
	return c.enqueueUpload(localPath, attrs, false)
}

// EnqueueData queues raw bytes for upload, spooling them to a managed
// temp file removed after the upload completes.
func (c *Client) EnqueueData(data []byte, attrs models.SyncAttributes) error {
	tmp, err := os.CreateTemp(c.config.Storage.DataDir, "upload-*.dat")
	if err != nil {
		return fmt.Errorf("spool upload data: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("spool upload data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("spool upload data: %w", err)
	}

	if err := c.enqueueUpload(tmp.Name(), attrs, true); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (c *Client) enqueueUpload(localPath string, attrs models.SyncAttributes, deleteAfter bool) error {
	if attrs.UUID == "" {
		return models.Inconsistencyf("enqueue without a uuid")
	}
	if attrs.RemoteName == "" {
		return models.ErrMissingRemoteName
	}

	if attrs.MimeType == "" {
		mt, err := mimetype.DetectFile(localPath)
		if err != nil {
			return models.ErrMissingMimeType
		}
		attrs.MimeType = mt.String()
	}

	downloading, err := c.store.DownloadChangeForFile(attrs.UUID)
	if err != nil {
		return err
	}
	if downloading != nil {
		return models.ErrFileBeingDownloaded
	}

	local, err := c.store.LocalFile(attrs.UUID)
	if err != nil {
		return err
	}
	if local == nil {
		local = &models.LocalFile{
			UUID:      attrs.UUID,
			SyncState: models.SyncStateInitialUpload,
		}
	} else {
		if local.DeletedOnServer {
			return models.ErrFileAlreadyDeleted
		}
		if local.RemoteName != attrs.RemoteName {
			return models.ErrRemoteNameMismatch
		}
	}

	local.RemoteName = attrs.RemoteName
	local.MimeType = attrs.MimeType
	local.AppMetadata = attrs.AppMetadata
	if err := local.Validate(); err != nil {
		return err
	}
	if err := c.store.SaveLocalFile(local); err != nil {
		return err
	}

	op := queue.NewUploadFileOp(attrs.UUID, localPath, deleteAfter)
	if err := c.store.AddUpload(op); err != nil {
		return err
	}

	c.logger.WithFields(map[string]interface{}{
		"uuid": attrs.UUID,
		"name": attrs.RemoteName,
	}).Debug("Queued upload")
	return nil
}

// EnqueueDeletion queues a server-side deletion of the file. A file that
// never completed an upload is marked deleted purely locally; no server
// operation is queued for it.
func (c *Client) EnqueueDeletion(uuid string) error {
	local, err := c.store.LocalFile(uuid)
	if err != nil {
		return err
	}
	if local == nil {
		return models.ErrUnknownFile
	}
	if local.DeletedOnServer {
		return models.ErrFileAlreadyDeleted
	}

	pending, err := c.store.PendingUploadDeletion(uuid)
	if err != nil {
		return err
	}
	if pending != nil {
		return models.ErrFileAlreadyDeleted
	}

	downloading, err := c.store.DownloadChangeForFile(uuid)
	if err != nil {
		return err
	}
	if downloading != nil {
		return models.ErrFileBeingDownloaded
	}

	if local.SyncState == models.SyncStateInitialUpload {
		// Never reached the server; drop its queued uploads and mark it
		// deleted without any server call.
		uploads, err := c.store.PendingUploadFiles(uuid)
		if err != nil {
			return err
		}
		for _, op := range uploads {
			if err := c.store.RemoveUploadOp(op.ID); err != nil {
				return err
			}
		}
		local.DeletedOnServer = true
		return c.store.SaveLocalFile(local)
	}

	if err := c.store.AddUpload(queue.NewUploadDeletionOp(uuid)); err != nil {
		return err
	}
	c.logger.WithField("uuid", uuid).Debug("Queued deletion")
	return nil
}

// Commit makes the prepared operations eligible for the next sync cycle.
// Returns false when nothing was queued.
func (c *Client) Commit() (bool, error) {
	committed, err := c.controller.Commit()
	if err != nil {
		return false, err
	}
	if !committed {
		c.notifier.Report(models.Event{Type: models.EventNoFilesToUpload})
	}
	return committed, nil
}

// Sync runs one sync cycle. A cycle already in flight makes this a no-op.
func (c *Client) Sync(ctx context.Context) error {
	return c.controller.NextSyncOperation(ctx)
}

// ResetFromError recovers from an error mode with the given scope.
func (c *Client) ResetFromError(ctx context.Context, scope sync.ResetScope) error {
	return c.controller.ResetFromError(ctx, scope)
}

// Mode returns the persisted sync mode.
func (c *Client) Mode() (models.SyncMode, error) {
	return c.store.Mode()
}

// LocalFileStatus returns the local metadata snapshot for uuid, or nil if
// the engine does not know the file.
func (c *Client) LocalFileStatus(uuid string) (*models.LocalFile, error) {
	return c.store.LocalFile(uuid)
}

// LocalFiles returns every known local metadata record.
func (c *Client) LocalFiles() ([]models.LocalFile, error) {
	return c.store.AllLocalFiles()
}

// ResetMetaData discards all local file metadata. Refused while a sync is
// operating; meant for tooling and tests.
func (c *Client) ResetMetaData() error {
	mode, err := c.store.Mode()
	if err != nil {
		return err
	}
	if mode.IsOperating() {
		return fmt.Errorf("cannot reset metadata in mode %s", mode)
	}

	files, err := c.store.AllLocalFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := c.store.DeleteLocalFile(f.UUID); err != nil {
			return err
		}
	}
	c.logger.WithField("count", len(files)).Info("Local metadata reset")
	return nil
}

// CheckForExistingUser reports whether the signed-in credentials match a
// registered user.
func (c *Client) CheckForExistingUser(ctx context.Context) (bool, error) {
	return c.transport.CheckForExistingUser(ctx)
}

// CreateNewUser registers the signed-in credentials as a new user.
func (c *Client) CreateNewUser(ctx context.Context) error {
	return c.transport.CreateNewUser(ctx)
}

// SignIn persists credentials, registering a new user when the server
// does not know them yet.
func (c *Client) SignIn(ctx context.Context, cr creds.Credentials) error {
	fp, ok := c.creds.(*creds.FileProvider)
	if !ok {
		return fmt.Errorf("credentials are fixed by configuration")
	}
	if err := fp.Save(cr); err != nil {
		return err
	}

	exists, err := c.transport.CheckForExistingUser(ctx)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Info("Signed in as existing user")
		return nil
	}

	if err := c.transport.CreateNewUser(ctx); err != nil {
		return err
	}
	c.logger.Info("Created new user")
	return nil
}

// WatchRemote listens for server push notifications and runs a sync cycle
// for each one. Blocks until ctx ends.
func (c *Client) WatchRemote(ctx context.Context) error {
	if c.config.API.PushURL == "" {
		return fmt.Errorf("api.push_url is not configured")
	}

	provider := c.creds
	if provider == nil {
		return models.ErrNotSignedIn
	}

	c.push = transport.NewPushListener(c.config.API.PushURL, provider, c.logger)
	go c.push.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.push.Notifications():
			if err := c.controller.NextSyncOperation(ctx); err != nil {
				c.logger.WithError(err).Warn("Push-triggered sync refused")
			}
		}
	}
}

// DownloadDir returns the directory holding staged downloaded content.
func (c *Client) DownloadDir() string {
	return c.config.Storage.DownloadDir
}

// Close releases the client's resources.
func (c *Client) Close() error {
	if c.push != nil {
		_ = c.push.Close()
	}
	return c.store.Close()
}
