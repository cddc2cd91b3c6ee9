package manifest

import (
	"context"
	"fmt"
)

// VersionStore is the persistence surface the tracker needs: the last
// (version, buildID) tuple it has reported.
type VersionStore interface {
	StoredManifestVersion(ctx context.Context) (version, uid string, ok bool, err error)
	SetStoredManifestVersion(ctx context.Context, version, uid string) error
}

// Update is the outcome of comparing a fetched manifest against the
// stored baseline.
type Update struct {
	HasUpdate bool

	// Bootstrap is set when there was no stored baseline to compare
	// against. HasUpdate is still true in that case, so callers that
	// want to suppress the first-run announcement must check this.
	Bootstrap bool

	Version         string
	UID             string
	FileCount       int
	PreviousVersion string
	PreviousUID     string
}

// Tracker diffs manifests against the persisted version tuple.
type Tracker struct {
	store VersionStore
}

func NewTracker(store VersionStore) *Tracker {
	return &Tracker{store: store}
}

// CheckForUpdate compares m against the stored tuple, persisting m's
// tuple whenever it differs. A missing baseline reports an update.
func (t *Tracker) CheckForUpdate(ctx context.Context, m Manifest) (Update, error) {
	u := Update{
		Version:   m.Version,
		UID:       m.UID,
		FileCount: len(m.Files),
	}

	prevVersion, prevUID, ok, err := t.store.StoredManifestVersion(ctx)
	if err != nil {
		return Update{}, fmt.Errorf("read stored manifest version: %w", err)
	}

	if !ok {
		if err := t.store.SetStoredManifestVersion(ctx, m.Version, m.UID); err != nil {
			return Update{}, fmt.Errorf("persist manifest version: %w", err)
		}
		u.HasUpdate = true
		u.Bootstrap = true
		return u, nil
	}

	if prevVersion == m.Version && prevUID == m.UID {
		return u, nil
	}

	if err := t.store.SetStoredManifestVersion(ctx, m.Version, m.UID); err != nil {
		return Update{}, fmt.Errorf("persist manifest version: %w", err)
	}

	u.HasUpdate = true
	u.PreviousVersion = prevVersion
	u.PreviousUID = prevUID
	return u, nil
}
