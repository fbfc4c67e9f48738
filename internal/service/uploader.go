package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/syncserver/internal/changeresolver"
	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/lock"
	"github.com/prn-tf/syncserver/internal/metrics"
	"github.com/prn-tf/syncserver/internal/repository"
	"github.com/prn-tf/syncserver/internal/storage"
)

// Uploader processes deferred uploads: it applies staged changes to files and
// removes the cloud objects of deleted files.
type Uploader struct {
	repos       *repository.Repositories
	coordinator *Coordinator
	accounts    *CloudAccounts
	resolvers   *changeresolver.Manager
	locker      lock.Locker
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	config      UploaderConfig

	// Control
	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	trigger  chan struct{}
	stopChan chan struct{}
	doneChan chan struct{}
}

// UploaderConfig contains deferred uploader configuration.
type UploaderConfig struct {
	// Interval is how often pending deferred uploads are polled.
	Interval time.Duration

	// Concurrency is the number of sharing groups processed in parallel.
	Concurrency int

	// LockTTL bounds how long a crashed run keeps other instances from running.
	LockTTL time.Duration
}

// DefaultUploaderConfig returns sensible defaults.
func DefaultUploaderConfig() UploaderConfig {
	return UploaderConfig{
		Interval:    30 * time.Second,
		Concurrency: 4,
		LockTTL:     5 * time.Minute,
	}
}

// NewUploader creates a new deferred uploader. locker serializes runs across
// server instances; the sharing group locks are taken through coordinator.
func NewUploader(
	repos *repository.Repositories,
	coordinator *Coordinator,
	accounts *CloudAccounts,
	resolvers *changeresolver.Manager,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config UploaderConfig,
) *Uploader {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Uploader{
		repos:       repos,
		coordinator: coordinator,
		accounts:    accounts,
		resolvers:   resolvers,
		locker:      locker,
		metrics:     m,
		logger:      logger.With().Str("service", "uploader").Logger(),
		config:      config,
		trigger:     make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start begins the uploader loop.
func (u *Uploader) Start() {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return
	}
	u.running = true
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.mu.Unlock()

	u.logger.Info().
		Dur("interval", u.config.Interval).
		Int("concurrency", u.config.Concurrency).
		Msg("Starting deferred uploader")

	go u.runLoop(ctx)
}

// Stop cancels a run in progress and waits for the loop to exit.
func (u *Uploader) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	u.cancel()
	u.mu.Unlock()

	close(u.stopChan)
	<-u.doneChan

	u.logger.Info().Msg("Deferred uploader stopped")
}

// Trigger asks the loop to run soon. It never blocks.
func (u *Uploader) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

func (u *Uploader) runLoop(ctx context.Context) {
	defer close(u.doneChan)

	// Pick up work left by a previous process.
	u.RunOnce(ctx)

	ticker := time.NewTicker(u.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.RunOnce(ctx)
		case <-u.trigger:
			u.RunOnce(ctx)
		case <-u.stopChan:
			return
		}
	}
}

// UploaderResult contains the result of an uploader run.
type UploaderResult struct {
	// Pending is the number of deferred uploads found.
	Pending int

	// Completed and Failed count deferred uploads that reached a terminal status.
	Completed int
	Failed    int

	// Postponed counts deferred uploads left pending for the next run.
	Postponed int

	// Skipped is true when another instance held the uploader lock.
	Skipped bool

	Duration time.Duration
}

func (r *UploaderResult) add(o outcome) {
	switch o {
	case outcomeCompleted:
		r.Completed++
	case outcomeFailed:
		r.Failed++
	case outcomePostponed:
		r.Postponed++
	}
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomePostponed
)

// RunOnce processes every pending deferred upload. Sharing groups are processed
// in parallel; the deferred uploads of one group are processed oldest first.
func (u *Uploader) RunOnce(ctx context.Context) UploaderResult {
	start := time.Now()
	result := UploaderResult{}

	l := lock.NewLock(u.locker, lock.Keys.Uploader())
	acquired, err := l.Acquire(ctx, u.config.LockTTL)
	if err != nil {
		u.logger.Error().Err(err).Msg("Failed to acquire uploader lock")
		result.Duration = time.Since(start)
		return result
	}
	if !acquired {
		u.logger.Debug().Msg("Uploader lock held by another process, skipping run")
		result.Skipped = true
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			u.logger.Error().Err(err).Msg("Failed to release uploader lock")
		}
	}()

	pending, err := u.repos.DeferredUpload.ListByStatus(ctx,
		domain.DeferredUploadStatusPendingChange, domain.DeferredUploadStatusPendingDeletion)
	if err != nil {
		u.logger.Error().Err(err).Msg("Failed to list pending deferred uploads")
		result.Duration = time.Since(start)
		return result
	}
	result.Pending = len(pending)
	if len(pending) == 0 {
		result.Duration = time.Since(start)
		u.metrics.RecordUploaderRun(0, result.Duration)
		return result
	}

	var order []string
	bySharingGroup := make(map[string][]*domain.DeferredUpload)
	for _, d := range pending {
		if _, ok := bySharingGroup[d.SharingGroupUUID]; !ok {
			order = append(order, d.SharingGroupUUID)
		}
		bySharingGroup[d.SharingGroupUUID] = append(bySharingGroup[d.SharingGroupUUID], d)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(u.config.Concurrency)
	for _, sg := range order {
		group := bySharingGroup[sg]
		g.Go(func() error {
			for _, deferred := range group {
				o := u.process(ctx, deferred)
				mu.Lock()
				result.add(o)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	u.metrics.RecordUploaderRun(result.Postponed, result.Duration)

	u.logger.Info().
		Int("pending", result.Pending).
		Int("completed", result.Completed).
		Int("failed", result.Failed).
		Int("postponed", result.Postponed).
		Dur("duration", result.Duration).
		Msg("Deferred uploader run completed")

	return result
}

// process runs one deferred upload to a terminal status, or leaves it pending
// when it failed for a reason that may go away.
func (u *Uploader) process(ctx context.Context, deferred *domain.DeferredUpload) outcome {
	logger := u.logger.With().
		Int64("deferred_upload_id", deferred.ID).
		Str("sharing_group_uuid", deferred.SharingGroupUUID).
		Str("status", string(deferred.Status)).
		Logger()

	var err error
	switch deferred.Status {
	case domain.DeferredUploadStatusPendingChange:
		err = u.applyChanges(ctx, deferred)
	case domain.DeferredUploadStatusPendingDeletion:
		err = u.removeDeleted(ctx, deferred)
	default:
		err = fmt.Errorf("unexpected status %s", deferred.Status)
	}

	if err == nil {
		u.metrics.RecordDeferredUpload(string(domain.DeferredUploadStatusCompleted))
		logger.Info().Msg("Deferred upload completed")
		return outcomeCompleted
	}

	if postpone(ctx, err) {
		logger.Warn().Err(err).Msg("Deferred upload postponed")
		return outcomePostponed
	}

	logger.Error().Err(err).Msg("Deferred upload failed")
	reason := err.Error()
	uerr := repository.RetryOnDeadlock(context.WithoutCancel(ctx), repository.DefaultRetryAttempts, func(ctx context.Context) error {
		_, err := u.repos.DeferredUpload.UpdateStatus(ctx, []int64{deferred.ID}, domain.DeferredUploadStatusError, &reason)
		return err
	})
	if uerr != nil {
		logger.Error().Err(uerr).Msg("Failed to mark deferred upload failed")
		return outcomePostponed
	}
	u.metrics.RecordDeferredUpload(string(domain.DeferredUploadStatusError))
	return outcomeFailed
}

// postpone reports whether a failed deferred upload should be tried again later.
func postpone(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, ErrSharingGroupBusy) ||
		errors.Is(err, ErrContention) ||
		repository.IsRetryable(err)
}

// =============================================================================
// Changes
// =============================================================================

// appliedChange is the next version of one file, already in cloud storage.
type appliedChange struct {
	file        *domain.FileIndex
	account     *CloudAccount
	baseVersion int32
	checksum    string
	newName     string
}

// applyChanges applies the staged changes of a deferred upload. The next version
// of each file is built and stored in cloud storage without any lock held; the
// file index, the master version and the staging rows are then updated in one
// transaction under the sharing group lock.
func (u *Uploader) applyChanges(ctx context.Context, deferred *domain.DeferredUpload) error {
	uploads, err := u.repos.Upload.ListByDeferredUploadIDs(ctx, []int64{deferred.ID})
	if err != nil {
		return err
	}
	if len(uploads) == 0 {
		return fmt.Errorf("%w: deferred upload %d has no uploads", domain.ErrInvariantViolation, deferred.ID)
	}

	var order []string
	changes := make(map[string][][]byte)
	for _, upload := range uploads {
		if _, ok := changes[upload.FileUUID]; !ok {
			order = append(order, upload.FileUUID)
		}
		changes[upload.FileUUID] = append(changes[upload.FileUUID], upload.UploadContents)
	}

	applied := make([]*appliedChange, 0, len(order))
	discard := func() {
		for _, a := range applied {
			u.accounts.cleanup(context.WithoutCancel(ctx), a.account, a.newName, a.file.MimeType)
		}
	}

	for _, fileUUID := range order {
		a, err := u.applyToFile(ctx, deferred.SharingGroupUUID, fileUUID, changes[fileUUID])
		if err != nil {
			discard()
			return err
		}
		if a != nil {
			applied = append(applied, a)
		}
	}

	ids := make([]int64, len(uploads))
	for i, upload := range uploads {
		ids[i] = upload.ID
	}

	holder := fmt.Sprintf("uploader:%d", deferred.ID)
	err = u.coordinator.withGroupLock(ctx, deferred.SharingGroupUUID, holder, func(ctx context.Context) error {
		return u.repos.Tx.WithTx(ctx, func(ctx context.Context) error {
			return u.commitChanges(ctx, deferred, applied, ids)
		})
	})
	if err != nil {
		discard()
		return err
	}

	for _, a := range applied {
		oldName := domain.CloudFileName(a.file.DeviceUUID, a.file.FileUUID, a.file.MimeType, a.baseVersion)
		u.removeStale(ctx, a.account, oldName, a.file.MimeType)
	}
	return nil
}

// applyToFile builds and stores the next version of one file. It returns nil
// without error when the file was deleted after the changes were staged.
func (u *Uploader) applyToFile(ctx context.Context, sharingGroupUUID, fileUUID string, changes [][]byte) (*appliedChange, error) {
	file, err := u.repos.FileIndex.Get(ctx, sharingGroupUUID, fileUUID)
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", fileUUID, err)
	}
	if file.Deleted {
		u.logger.Info().Str("file_uuid", fileUUID).Msg("Skipping changes to deleted file")
		return nil, nil
	}
	if file.ChangeResolverName == nil {
		return nil, domain.NewDomainError(domain.ErrChangeResolverNotFound, "file does not accept changes", fileUUID)
	}
	resolver, err := u.resolvers.Get(*file.ChangeResolverName)
	if err != nil {
		return nil, err
	}

	account, err := u.accounts.Open(ctx, file.UserID)
	if err != nil {
		return nil, err
	}

	current, _, err := account.Storage.DownloadFile(ctx, file.CloudFileName(), account.Options(file.MimeType))
	u.metrics.RecordCloudOperation("download", cloudResult(err))
	if err != nil {
		if storage.IsGone(err) {
			return nil, fmt.Errorf("file %s: %s", fileUUID, storage.GoneReason(err))
		}
		return nil, fmt.Errorf("file %s: %w", fileUUID, err)
	}

	next, err := changeresolver.Apply(resolver, current, changes)
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", fileUUID, err)
	}

	newVersion := file.FileVersion + 1
	newName := domain.CloudFileName(file.DeviceUUID, fileUUID, file.MimeType, newVersion)
	checksum, err := account.Storage.UploadFile(ctx, newName, next, account.Options(file.MimeType))
	u.metrics.RecordCloudOperation("upload", cloudResult(err))
	if err != nil {
		u.accounts.cleanup(context.WithoutCancel(ctx), account, newName, file.MimeType)
		return nil, fmt.Errorf("file %s: %w", fileUUID, err)
	}

	u.logger.Debug().
		Str("file_uuid", fileUUID).
		Int("changes", len(changes)).
		Int32("file_version", newVersion).
		Msg("Applied changes to file")

	return &appliedChange{
		file:        file,
		account:     account,
		baseVersion: file.FileVersion,
		checksum:    checksum,
		newName:     newName,
	}, nil
}

// commitChanges runs inside the transaction of applyChanges.
func (u *Uploader) commitChanges(ctx context.Context, deferred *domain.DeferredUpload, applied []*appliedChange, uploadIDs []int64) error {
	t := now()
	for _, a := range applied {
		file, err := u.repos.FileIndex.Get(ctx, deferred.SharingGroupUUID, a.file.FileUUID)
		if err != nil {
			return err
		}
		if file.Deleted || file.FileVersion != a.baseVersion {
			return fmt.Errorf("%w: file %s changed while its changes were applied",
				domain.ErrInvariantViolation, a.file.FileUUID)
		}

		file.FileVersion = a.baseVersion + 1
		file.LastUploadedCheckSum = &a.checksum
		file.UpdateDate = t
		if err := u.repos.FileIndex.Update(ctx, file); err != nil {
			return err
		}
	}

	if len(applied) > 0 {
		current, err := u.repos.MasterVersion.Get(ctx, deferred.SharingGroupUUID)
		if err != nil {
			return err
		}
		updated, err := u.repos.MasterVersion.UpdateToNext(ctx, deferred.SharingGroupUUID, current)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: master version moved under the sharing group lock", domain.ErrInvariantViolation)
		}
	}

	return u.finishDeferred(ctx, deferred, uploadIDs)
}

// finishDeferred removes the staging rows of a deferred upload and marks it completed.
func (u *Uploader) finishDeferred(ctx context.Context, deferred *domain.DeferredUpload, uploadIDs []int64) error {
	removed, err := u.repos.Upload.DeleteByIDs(ctx, uploadIDs)
	if err != nil {
		return err
	}
	if removed != int64(len(uploadIDs)) {
		return fmt.Errorf("%w: removed %d of %d uploads", domain.ErrInvariantViolation, removed, len(uploadIDs))
	}

	updated, err := u.repos.DeferredUpload.UpdateStatus(ctx, []int64{deferred.ID}, domain.DeferredUploadStatusCompleted, nil)
	if err != nil {
		return err
	}
	if updated != 1 {
		return fmt.Errorf("%w: deferred upload %d not updated", domain.ErrInvariantViolation, deferred.ID)
	}
	return nil
}

// removeStale deletes a superseded cloud object. Failures are logged only.
func (u *Uploader) removeStale(ctx context.Context, account *CloudAccount, name, mimeType string) {
	err := account.Storage.DeleteFile(context.WithoutCancel(ctx), name, account.Options(mimeType))
	u.metrics.RecordCloudOperation("delete", cloudResult(err))
	if err != nil && !storage.IsGone(err) {
		u.logger.Warn().Err(err).Str("cloud_file_name", name).Msg("Failed to delete stale file version")
	}
}

// =============================================================================
// Deletions
// =============================================================================

// removeDeleted deletes the cloud objects of the files of a deletion. Objects
// that are already gone, or whose owner was removed, are skipped.
func (u *Uploader) removeDeleted(ctx context.Context, deferred *domain.DeferredUpload) error {
	uploads, err := u.repos.Upload.ListByDeferredUploadIDs(ctx, []int64{deferred.ID})
	if err != nil {
		return err
	}

	ids := make([]int64, len(uploads))
	for i, upload := range uploads {
		ids[i] = upload.ID

		file, err := u.repos.FileIndex.Get(ctx, upload.SharingGroupUUID, upload.FileUUID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				u.logger.Warn().Str("file_uuid", upload.FileUUID).Msg("Deleted file has no file index row")
				continue
			}
			return err
		}

		account, err := u.accounts.Open(ctx, file.UserID)
		if err != nil {
			if errors.Is(err, ErrOwnerRemoved) {
				u.logger.Warn().Str("file_uuid", upload.FileUUID).Msg("Owner of deleted file was removed")
				continue
			}
			return err
		}

		name := domain.CloudFileName(file.DeviceUUID, file.FileUUID, file.MimeType, deref(upload.FileVersion))
		err = account.Storage.DeleteFile(ctx, name, account.Options(file.MimeType))
		u.metrics.RecordCloudOperation("delete", cloudResult(err))
		if err != nil {
			if storage.IsGone(err) {
				u.logger.Warn().Err(err).
					Str("cloud_file_name", name).
					Str("gone", string(storage.GoneReason(err))).
					Msg("Cloud file of deleted file already gone")
				continue
			}
			return fmt.Errorf("file %s: %w", file.FileUUID, err)
		}
	}

	return u.repos.Tx.WithTx(ctx, func(ctx context.Context) error {
		return u.finishDeferred(ctx, deferred, ids)
	})
}
