// Package coldstorage models the cheap, slow archive tier (the "vault") that
// free-tier job results move into. No Glacier-shaped async retrieval SDK
// appears anywhere in the wider example corpus (see DESIGN.md), so this
// package layers the archive/initiate-retrieval/get-bytes contract directly
// on top of the same cloud.google.com/go/storage client the hot gateway
// uses, addressing a second ("vault") bucket and simulating the
// asynchronous retrieval-job lifecycle with an in-process delay plus a bus
// callback, rather than a literal cold-storage API.
package coldstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/domain"
)

// Tier selects retrieval speed vs. availability guarantees, exactly as the
// two Glacier retrieval tiers this package is modeled on.
type Tier string

const (
	TierExpedited Tier = "expedited"
	TierStandard  Tier = "standard"
)

// ErrInsufficientCapacity is returned by InitiateRetrieval when the
// Expedited tier has no capacity available. Callers fall back to Standard.
var ErrInsufficientCapacity = errors.New("coldstorage: insufficient expedited capacity")

// retrievalDelay simulates how long each tier takes to make bytes available.
var retrievalDelay = map[Tier]time.Duration{
	TierExpedited: 3 * time.Second,
	TierStandard:  30 * time.Second,
}

// Config configures a Vault.
type Config struct {
	VaultBucket string
	RestoreTopic string
	// ExpeditedFailureRate, in [0,1], is the fraction of Expedited attempts
	// that are injected with ErrInsufficientCapacity, so the fallback path
	// (Testable Property / Scenario S4) is exercisable without a real
	// cold-storage account whose real capacity cannot be controlled in tests.
	ExpeditedFailureRate float64
}

// Vault is the cold-storage client (the remainder of C2).
type Vault struct {
	client *storage.Client
	bus    *bus.Bus
	cfg    Config
	attempt func() float64 // injected for deterministic tests; defaults to a real source
}

// New constructs a Vault. b is used to publish the simulated
// retrieval-ready notification once a retrieval's delay elapses.
func New(client *storage.Client, b *bus.Bus, cfg Config) *Vault {
	return &Vault{client: client, bus: b, cfg: cfg, attempt: defaultAttempt}
}

// Upload archives the bytes read from stream under archiveID (the vault
// object's key). The caller chooses archiveID and persists it via
// store.SetArchiveID once this returns nil.
func (v *Vault) Upload(ctx context.Context, archiveID string, stream io.Reader) error {
	w := v.client.Bucket(v.cfg.VaultBucket).Object(archiveID).NewWriter(ctx)
	w.PredefinedACL = "private"
	if _, err := io.Copy(w, stream); err != nil {
		_ = w.Close()
		return fmt.Errorf("coldstorage: archive upload %s: %w", archiveID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("coldstorage: finalize archive upload %s: %w", archiveID, err)
	}
	return nil
}

// InitiateRetrieval starts an asynchronous retrieval job for archiveID at
// the given tier, passing jobDescription through unchanged so the eventual
// completion notification can be correlated back to the application job_id
// (the retrieval job's "Description" field, mirroring the vault's own
// job-tracking metadata). On Expedited, a simulated capacity check may
// return ErrInsufficientCapacity; callers retry with Standard.
func (v *Vault) InitiateRetrieval(ctx context.Context, archiveID, jobDescription string, tier Tier) error {
	if tier == TierExpedited && v.attempt() < v.cfg.ExpeditedFailureRate {
		return ErrInsufficientCapacity
	}

	delay := retrievalDelay[tier]
	if delay == 0 {
		delay = retrievalDelay[TierStandard]
	}

	go func() {
		time.Sleep(delay)
		// The retrieval "completes" by re-publishing to the configured
		// restore topic — the bus fans it out to the restore handler's
		// queue exactly like every other topic-to-queue delivery.
		ready := restoreReadyPayload(jobDescription)
		_ = v.bus.Publish(context.Background(), v.cfg.RestoreTopic, ready)
	}()

	return nil
}

// GetRetrievalBytes opens a reader over the already-retrieved archive.
// Called by the restore handler once RestoreReady indicates success.
func (v *Vault) GetRetrievalBytes(ctx context.Context, archiveID string) (io.ReadCloser, error) {
	r, err := v.client.Bucket(v.cfg.VaultBucket).Object(archiveID).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("coldstorage: open retrieval reader %s: %w", archiveID, err)
	}
	return r, nil
}

// Delete removes the archive object, called after a successful restore.
func (v *Vault) Delete(ctx context.Context, archiveID string) error {
	if err := v.client.Bucket(v.cfg.VaultBucket).Object(archiveID).Delete(ctx); err != nil {
		if err == storage.ErrObjectNotExist {
			return nil
		}
		return fmt.Errorf("coldstorage: delete archive %s: %w", archiveID, err)
	}
	return nil
}

func defaultAttempt() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

// restoreReadyPayload builds the success-shaped completion notification the
// real vault's retrieval-job lifecycle would report: Completed and
// StatusCode "Succeeded", with JobDescription round-tripping the
// application job_id passed to InitiateRetrieval.
func restoreReadyPayload(jobDescription string) domain.RestoreReady {
	return domain.RestoreReady{
		JobDescription: jobDescription,
		Completed:      true,
		StatusCode:     "Succeeded",
	}
}
