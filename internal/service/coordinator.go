package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/lock"
	"github.com/prn-tf/syncserver/internal/metrics"
	"github.com/prn-tf/syncserver/internal/repository"
)

// AllUploadsFinished reports what a batch completion did.
type AllUploadsFinished string

const (
	// V0UploadsFinished means the batch was transferred into the file index synchronously.
	V0UploadsFinished AllUploadsFinished = "v0UploadsFinished"

	// UploadsNotFinished means the batch is not complete yet, or was not transferred
	// because the presented master version is stale.
	UploadsNotFinished AllUploadsFinished = "uploadsNotFinished"

	// VNUploadsTransferred means the batch was handed to the deferred uploader.
	VNUploadsTransferred AllUploadsFinished = "vNUploadsTransferred"
)

// errDuplicateUpload aborts a staging transaction whose Upload row already exists.
var errDuplicateUpload = errors.New("upload already staged")

// errMasterVersionChanged rolls back the rows a request staged before its
// completion found the master version moved on.
var errMasterVersionChanged = errors.New("master version changed during completion")

// UploaderTrigger starts a deferred uploader run soon.
type UploaderTrigger interface {
	Trigger()
}

// CoordinatorConfig contains the sharing group lock settings.
type CoordinatorConfig struct {
	// LockExpiry bounds how long a crashed holder keeps a group locked.
	LockExpiry time.Duration

	// AcquireTimeout is how long to wait for another holder to release the lock.
	AcquireTimeout time.Duration

	// RetryDelay is the pause between acquisition attempts.
	RetryDelay time.Duration
}

// DefaultCoordinatorConfig returns sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		LockExpiry:     domain.DefaultShortLockExpiry,
		AcquireTimeout: 5 * time.Second,
		RetryDelay:     50 * time.Millisecond,
	}
}

// FinishInput identifies the staged batch of one device.
type FinishInput struct {
	UserID           int64
	DeviceUUID       string
	SharingGroupUUID string

	// MasterVersion is the version the client last observed.
	MasterVersion int64
}

// FinishResult contains the outcome of a batch completion.
type FinishResult struct {
	AllUploadsFinished AllUploadsFinished

	// MasterVersionUpdate is set when the presented master version was stale.
	MasterVersionUpdate *int64

	// DeferredUploadID is set when the batch was handed to the deferred uploader.
	DeferredUploadID *int64

	// NumberUploadsTransferred counts rows transferred into the file index.
	NumberUploadsTransferred int
}

// Coordinator runs the batch-completion protocol. It serializes the transfer of
// staged Upload rows into the file index with the sharing group lock and performs
// every database step of one completion in a single transaction. The lock is taken
// before the transaction starts and released after it ends; no cloud storage call
// is made while it is held.
type Coordinator struct {
	repos    *repository.Repositories
	locker   lock.Locker
	uploader UploaderTrigger
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   CoordinatorConfig
}

// NewCoordinator creates a new Coordinator. uploader may be nil.
func NewCoordinator(
	repos *repository.Repositories,
	locker lock.Locker,
	uploader UploaderTrigger,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config CoordinatorConfig,
) *Coordinator {
	return &Coordinator{
		repos:    repos,
		locker:   locker,
		uploader: uploader,
		metrics:  m,
		logger:   logger.With().Str("service", "coordinator").Logger(),
		config:   config,
	}
}

// SetUploader sets the uploader triggered after a batch was deferred.
// It must be called before the coordinator serves requests.
func (c *Coordinator) SetUploader(uploader UploaderTrigger) {
	c.uploader = uploader
}

// stageFunc makes the request's own changes inside the completion transaction.
// A non-nil result ends the completion early with that result.
type stageFunc func(ctx context.Context) (*FinishResult, error)

// withGroupLock runs fn while holding the lock of a sharing group on behalf of a device.
// Every acquisition holds the lock under its own token, so a request whose lock
// expired cannot release the lock a later request of the same device acquired.
func (c *Coordinator) withGroupLock(ctx context.Context, sharingGroupUUID, deviceUUID string, fn func(ctx context.Context) error) error {
	holder := uuid.NewString()
	ctx = lock.WithHolder(ctx, holder)
	l := lock.NewLock(c.locker, lock.Keys.SharingGroup(sharingGroupUUID))

	start := time.Now()
	acquired, err := l.AcquireWithin(ctx, c.config.LockExpiry, c.config.AcquireTimeout, c.config.RetryDelay)
	if err != nil {
		c.metrics.RecordLockAcquisition("error", time.Since(start))
		return infrastructureError(c.logger, err, "failed to acquire sharing group lock")
	}
	if !acquired {
		c.metrics.RecordLockAcquisition("busy", time.Since(start))
		c.logger.Warn().
			Str("sharing_group_uuid", sharingGroupUUID).
			Str("device_uuid", deviceUUID).
			Dur("waited", time.Since(start)).
			Msg("sharing group lock not acquired")
		return fmt.Errorf("%w: %s", ErrSharingGroupBusy, sharingGroupUUID)
	}
	c.metrics.RecordLockAcquisition("acquired", time.Since(start))

	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error().Err(err).
				Str("sharing_group_uuid", sharingGroupUUID).
				Str("device_uuid", deviceUUID).
				Str("holder", holder).
				Msg("failed to release sharing group lock")
		}
	}()

	return fn(ctx)
}

// inGroupTx runs fn in one transaction while holding the lock of a sharing group.
func (c *Coordinator) inGroupTx(ctx context.Context, sharingGroupUUID, holder string, fn func(ctx context.Context) error) error {
	return c.withGroupLock(ctx, sharingGroupUUID, holder, func(ctx context.Context) error {
		return c.repos.Tx.WithTx(ctx, fn)
	})
}

// triggerUploader starts a deferred uploader run for work committed outside run.
func (c *Coordinator) triggerUploader() {
	if c.uploader != nil {
		c.uploader.Trigger()
	}
}

// run stages the request's changes and completes the device's batch under the
// group lock, in one transaction. accept restricts the batch classes this
// completion may process.
func (c *Coordinator) run(ctx context.Context, in FinishInput, stage stageFunc, accept func(domain.UploadClass) bool) (*FinishResult, error) {
	var result *FinishResult
	err := c.withGroupLock(ctx, in.SharingGroupUUID, in.DeviceUUID, func(ctx context.Context) error {
		return c.repos.Tx.WithTx(ctx, func(ctx context.Context) error {
			result = nil
			if stage != nil {
				staged, err := stage(ctx)
				if err != nil {
					return err
				}
				if staged != nil {
					result = staged
					return nil
				}
			}

			batch, err := c.loadBatch(ctx, in)
			if err != nil {
				return err
			}
			if !batch.complete {
				result = &FinishResult{AllUploadsFinished: UploadsNotFinished}
				return nil
			}
			if !accept(batch.class) {
				return invariantViolation(c.logger, "batch class not accepted by this completion", batch.fields())
			}

			result, err = c.complete(ctx, in, batch)
			if err != nil {
				return err
			}
			if stage != nil && result.MasterVersionUpdate != nil {
				return errMasterVersionChanged
			}
			return nil
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, errMasterVersionChanged):
			c.logger.Debug().
				Str("sharing_group_uuid", in.SharingGroupUUID).
				Str("device_uuid", in.DeviceUUID).
				Msg("staged upload rolled back on master version change")
		case errors.Is(err, errDuplicateUpload):
			return nil, err
		default:
			return nil, classifyError(c.logger, err, "failed to finish uploads")
		}
	}

	c.metrics.RecordFinish(string(result.AllUploadsFinished), result.NumberUploadsTransferred)
	if result.MasterVersionUpdate != nil {
		c.metrics.RecordMasterVersionMismatch()
	}
	if result.DeferredUploadID != nil {
		// The deferred upload is committed now, so the uploader can see it.
		c.triggerUploader()
	}
	return result, nil
}

// FinishUploads completes whatever batch the device has staged. It is the
// explicit form of the completion that uploads run implicitly.
func (c *Coordinator) FinishUploads(ctx context.Context, in FinishInput) (*FinishResult, error) {
	if err := validateUUIDs(map[string]string{"sharingGroupUUID": in.SharingGroupUUID, "deviceUUID": in.DeviceUUID}); err != nil {
		return nil, err
	}
	if _, err := authorize(ctx, c.repos, c.logger, in.SharingGroupUUID, in.UserID, domain.PermissionWrite); err != nil {
		return nil, err
	}
	return c.run(ctx, in, nil, func(domain.UploadClass) bool { return true })
}

// complete applies the state transition of a complete, homogeneous batch.
func (c *Coordinator) complete(ctx context.Context, in FinishInput, batch *stagedBatch) (*FinishResult, error) {
	switch batch.class {
	case domain.UploadClassContent:
		return c.transferContent(ctx, in, batch)
	case domain.UploadClassAppMetaData:
		return c.transferAppMetaData(ctx, in, batch)
	case domain.UploadClassChange:
		return c.deferChanges(ctx, in, batch)
	case domain.UploadClassDeletion:
		return c.deferDeletion(ctx, in, batch)
	}
	return nil, invariantViolation(c.logger, "unknown batch class", batch.fields())
}

// =============================================================================
// Batch loading
// =============================================================================

// stagedBatch is the set of Upload rows of one device not yet handed to the
// deferred uploader.
type stagedBatch struct {
	uploads       []*domain.Upload
	fileGroupUUID *string
	uploadCount   int32
	class         domain.UploadClass
	complete      bool
}

func (b *stagedBatch) ids() []int64 {
	ids := make([]int64, len(b.uploads))
	for i, u := range b.uploads {
		ids[i] = u.ID
	}
	return ids
}

func (b *stagedBatch) fields() map[string]any {
	fields := map[string]any{
		"uploads":      len(b.uploads),
		"upload_count": b.uploadCount,
		"class":        string(b.class),
	}
	if b.fileGroupUUID != nil {
		fields["file_group_uuid"] = *b.fileGroupUUID
	}
	return fields
}

func sameFileGroup(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// loadBatch reads and validates the staged batch of a device. An incomplete batch
// is not an error: the client uploads the remaining files later.
func (c *Coordinator) loadBatch(ctx context.Context, in FinishInput) (*stagedBatch, error) {
	uploads, err := c.repos.Upload.ListPending(ctx, in.UserID, in.SharingGroupUUID, in.DeviceUUID)
	if err != nil {
		return nil, err
	}
	if len(uploads) == 0 {
		return nil, domain.NewDomainError(domain.ErrNoUploads, "", in.SharingGroupUUID)
	}

	first := uploads[0]
	batch := &stagedBatch{
		uploads:       uploads,
		fileGroupUUID: first.FileGroupUUID,
		uploadCount:   first.UploadCount,
		class:         first.Class(),
	}

	for _, u := range uploads[1:] {
		if !sameFileGroup(u.FileGroupUUID, batch.fileGroupUUID) {
			return nil, domain.NewDomainError(domain.ErrBatchIncoherent, "uploads have different file groups", in.SharingGroupUUID)
		}
		if u.UploadCount != batch.uploadCount {
			return nil, domain.NewDomainError(domain.ErrBatchIncoherent, "uploads have different upload counts", in.SharingGroupUUID)
		}
	}
	if batch.fileGroupUUID == nil && (len(uploads) > 1 || batch.uploadCount > 1) {
		return nil, domain.NewDomainError(domain.ErrBatchIncoherent, "a batch of several files needs a file group", in.SharingGroupUUID)
	}
	if int32(len(uploads)) > batch.uploadCount {
		return nil, domain.NewDomainError(domain.ErrBatchIncoherent, "more uploads than the upload count", in.SharingGroupUUID)
	}

	seen := make(map[int32]bool, len(uploads))
	for _, u := range uploads {
		seen[u.UploadIndex] = true
	}
	for index := int32(1); index <= batch.uploadCount; index++ {
		if !seen[index] {
			c.logger.Debug().
				Int("received", len(seen)).
				Int32("upload_count", batch.uploadCount).
				Str("device_uuid", in.DeviceUUID).
				Msg("batch not complete yet")
			return batch, nil
		}
	}
	batch.complete = true

	for _, u := range uploads {
		if u.Class() != batch.class || u.Class() == domain.UploadClassUnknown {
			batch.class = domain.UploadClassUnknown
			return nil, invariantViolation(c.logger, "heterogeneous upload batch", map[string]any{
				"device_uuid":        in.DeviceUUID,
				"sharing_group_uuid": in.SharingGroupUUID,
				"first_state":        string(first.State),
				"state":              string(u.State),
			})
		}
	}
	return batch, nil
}

// removeUploads deletes transferred rows, checking that every one of them was removed.
func (c *Coordinator) removeUploads(ctx context.Context, batch *stagedBatch) error {
	removed, err := c.repos.Upload.DeleteByIDs(ctx, batch.ids())
	if err != nil {
		return err
	}
	if removed != int64(len(batch.uploads)) {
		fields := batch.fields()
		fields["removed"] = removed
		return invariantViolation(c.logger, "removed upload rows do not match the batch", fields)
	}
	return nil
}
