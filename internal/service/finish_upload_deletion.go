package service

import (
	"context"

	"github.com/prn-tf/syncserver/internal/domain"
)

// FinishUploadDeletion completes a staged deletion of a device. The file index rows
// are already marked deleted; the cloud objects are removed by the deferred uploader.
func (c *Coordinator) FinishUploadDeletion(ctx context.Context, in FinishInput) (*FinishResult, error) {
	return c.run(ctx, in, nil, acceptDeletion)
}

// stageAndFinishDeletion runs a deletion's own changes and its completion in one transaction.
func (c *Coordinator) stageAndFinishDeletion(ctx context.Context, in FinishInput, stage stageFunc) (*FinishResult, error) {
	return c.run(ctx, in, stage, acceptDeletion)
}

func acceptDeletion(class domain.UploadClass) bool {
	return class == domain.UploadClassDeletion
}

// deferDeletion hands a deletion batch to the deferred uploader.
func (c *Coordinator) deferDeletion(ctx context.Context, in FinishInput, batch *stagedBatch) (*FinishResult, error) {
	id, err := c.deferBatch(ctx, in, batch, domain.DeferredUploadStatusPendingDeletion)
	if err != nil {
		return nil, err
	}
	return &FinishResult{AllUploadsFinished: VNUploadsTransferred, DeferredUploadID: &id}, nil
}
