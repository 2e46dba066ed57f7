package depot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/GoCodeAlone/depot/blob"
	"github.com/GoCodeAlone/depot/event"
)

// UploadRequest carries one upload attempt. Hints are reconciled against the
// identity embedded in the archive; a mismatch is a validation failure, not
// silently resolved.
type UploadRequest struct {
	OriginHint string
	NameHint   string
	TargetHint string
	// DeclaredChecksum is the caller's SHA256 hex digest of the full byte
	// stream, optional.
	DeclaredChecksum string
	Body             io.Reader
}

// Upload runs the full pipeline for one attempt:
//
//	Received -> Validating -> Locked -> BlobCommitting -> IndexCommitting -> Published
//
// with terminal Rejected (validation failure, no side effects) and Aborted
// (failure past the lock; staging cleaned up, lock released). The identifier
// lock is scoped to the Locked..terminal span, never across validation, so
// malformed input cannot hold a lock.
func (d *Depot) Upload(ctx context.Context, req UploadRequest) (receipt blob.Receipt, err error) {
	run := newUploadRun()
	defer func() {
		d.metrics.Uploads.WithLabelValues(run.state.String()).Inc()
	}()

	run.to(StateValidating)

	sp := newSpool(d.spoolThreshold)
	defer sp.Close()

	hasher := sha256.New()
	if _, copyErr := io.Copy(io.MultiWriter(sp, hasher), req.Body); copyErr != nil {
		run.to(StateRejected)
		return blob.Receipt{}, validationErr("read upload stream: %v", copyErr)
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))

	if req.DeclaredChecksum != "" && req.DeclaredChecksum != checksum {
		run.to(StateRejected)
		return blob.Receipt{}, validationErr("declared checksum %s does not match stream checksum %s",
			req.DeclaredChecksum, checksum)
	}

	spoolReader, err := sp.Reader()
	if err != nil {
		run.to(StateRejected)
		return blob.Receipt{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	archMeta, err := d.archive.Extract(ctx, spoolReader)
	if err != nil {
		run.to(StateRejected)
		return blob.Receipt{}, mapArchiveErr(err)
	}
	if err := reconcileHints(req, archMeta.Ident.Origin, archMeta.Ident.Name, archMeta.Target); err != nil {
		run.to(StateRejected)
		return blob.Receipt{}, err
	}

	id := archMeta.Ident

	release, err := d.locks.Acquire(ctx, id)
	if err != nil {
		run.to(StateRejected)
		return blob.Receipt{}, mapLockErr(err)
	}
	defer release()
	run.to(StateLocked)

	// Committed identifiers are rejected before any storage work.
	if exists, err := d.store.Exists(ctx, id); err != nil {
		run.to(StateAborted)
		return blob.Receipt{}, mapBlobErr(err)
	} else if exists {
		run.to(StateRejected)
		return blob.Receipt{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	run.to(StateBlobCommitting)
	spoolReader, err = sp.Reader()
	if err != nil {
		run.to(StateAborted)
		return blob.Receipt{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	receipt, err = d.store.Put(ctx, blob.Meta{
		Ident:    id,
		Checksum: checksum,
		Target:   archMeta.Target,
		Deps:     archMeta.Deps,
	}, spoolReader)
	if err != nil {
		// Put cleans its own staging state; nothing became visible.
		run.to(StateAborted)
		return blob.Receipt{}, mapBlobErr(err)
	}

	run.to(StateIndexCommitting)
	meta := blob.Meta{
		Ident:       id,
		Size:        receipt.Size,
		Checksum:    receipt.Checksum,
		Target:      archMeta.Target,
		Deps:        archMeta.Deps,
		CommittedAt: receipt.CommittedAt,
	}
	if err := d.index.Record(ctx, meta); err != nil {
		// The blob is durable but unadvertised, which is the safe state:
		// invisible to readers, recoverable by an index rebuild.
		run.to(StateAborted)
		d.logger.Error("index commit failed after blob commit; rebuild will reconcile",
			"ident", id.String(), "error", err)
		return blob.Receipt{}, mapIndexErr(err)
	}

	run.to(StatePublished)
	d.metaCache.Set(id.String(), meta)

	if err := d.publisher.Publish(ctx, event.Event{Ident: id, CommittedAt: receipt.CommittedAt}); err != nil {
		// Publication is an independent at-least-once side channel; its
		// failure never changes the upload result.
		d.metrics.PublishFailures.Inc()
		d.logger.Warn("commit event publication failed", "ident", id.String(), "error", err)
	}

	d.logger.Info("artifact published",
		"ident", id.String(), "target", archMeta.Target, "size", receipt.Size)
	return receipt, nil
}

// reconcileHints checks caller-declared identity hints against the identity
// embedded in the archive.
func reconcileHints(req UploadRequest, origin, name, target string) error {
	if req.OriginHint != "" && req.OriginHint != origin {
		return validationErr("origin hint %q does not match embedded origin %q", req.OriginHint, origin)
	}
	if req.NameHint != "" && req.NameHint != name {
		return validationErr("name hint %q does not match embedded name %q", req.NameHint, name)
	}
	if req.TargetHint != "" && req.TargetHint != target {
		return validationErr("target hint %q does not match embedded target %q", req.TargetHint, target)
	}
	return nil
}
