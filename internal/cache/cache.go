// Package cache stores every verified stage output as an immutable, numbered
// version. The backend is the only authority that assigns version numbers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/model"
)

// Latest selects the highest stored version in Get.
const Latest = 0

// ErrNotFound is returned when a version or document is not cached.
var ErrNotFound = eris.New("cache: entry not found")

// Cache is a versioned key space partitioned by stage and document.
type Cache interface {
	// Put stores payload as the next version and returns it. Versions for a
	// (stage, id) pair start at 1 and are never reused.
	Put(ctx context.Context, stage string, id model.DocumentID, payload []byte) (int, error)

	// Get returns one version, or the newest when version is Latest.
	Get(ctx context.Context, stage string, id model.DocumentID, version int) (*model.CacheEntry, error)

	// ListVersions returns stored versions in ascending order.
	ListVersions(ctx context.Context, stage string, id model.DocumentID) ([]int, error)

	Exists(ctx context.Context, stage string, id model.DocumentID, version int) (bool, error)

	// Delete removes one version and moves the metadata to the newest
	// remaining one.
	Delete(ctx context.Context, stage string, id model.DocumentID, version int) error

	Metadata(ctx context.Context, stage string, id model.DocumentID) (*model.CacheMetadata, error)

	Close() error
}

// PayloadKey is the object key of one version.
func PayloadKey(stage string, id model.DocumentID, version int) string {
	return fmt.Sprintf("%s/%s/%d.json", stage, id, version)
}

// MetadataKey is the object key of a document's metadata record.
func MetadataKey(stage string, id model.DocumentID) string {
	return fmt.Sprintf("%s/%s/metadata.json", stage, id)
}

func checkKey(stage string, id model.DocumentID) error {
	if stage == "" || strings.Contains(stage, "/") {
		return eris.Errorf("cache: invalid stage %q", stage)
	}
	if id.IsZero() || strings.Contains(id.String(), "/") {
		return eris.Errorf("cache: invalid document id %q", id)
	}
	return nil
}

func checkPayload(payload []byte) error {
	if !json.Valid(payload) {
		return eris.New("cache: payload is not valid JSON")
	}
	return nil
}

func checkVersion(version int) error {
	if version < 0 {
		return eris.Errorf("cache: invalid version %d", version)
	}
	return nil
}
