// Package findings implements FS: canonical shard encode/decode, merge
// of a freshly built shard against the previously archived one for the
// same region, and archival back to the object store.
package findings

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/objectstore"
)

const shardsCollection = "shard_index"

// Store is the FS handle, layering canonical shard semantics over an
// ObjectStore for blobs and a document store for the merge index.
type Store struct {
	objects *objectstore.ObjectStore
	ds      *documentstore.Store
}

// New constructs a Store.
func New(objects *objectstore.ObjectStore, ds *documentstore.Store) *Store {
	return &Store{objects: objects, ds: ds}
}

// shardIndexEntry tracks the latest object key for a tenant/region so
// a new run's shard can be merged against it.
type shardIndexEntry struct {
	ObjectKey string    `json:"object_key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Encode canonically serializes a Shard: findings sorted by
// (RuleID, ResourceID) so that byte-identical shards produce
// byte-identical encodings, which lets callers content-address them.
func Encode(s domain.Shard) ([]byte, error) {
	sorted := make([]domain.Finding, len(s.Findings))
	copy(sorted, s.Findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].RuleID != sorted[j].RuleID {
			return sorted[i].RuleID < sorted[j].RuleID
		}
		return sorted[i].ResourceID < sorted[j].ResourceID
	})
	s.Findings = sorted

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindInternal, "findings: encode shard")
	}
	return buf.Bytes(), nil
}

// Decode parses a canonically encoded Shard.
func Decode(raw []byte) (domain.Shard, error) {
	var s domain.Shard
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Shard{}, internalerrors.Wrap(err, internalerrors.KindInternal, "findings: decode shard")
	}
	return s, nil
}

// Archive merges shard against whatever was previously archived for
// its (Tenant, Region), writes the merged result under the canonical
// key for date/typ, and updates the merge index. executedRuleIDs is
// the full set of rules this run evaluated against the region, so
// Merge can tell a rule that ran and found nothing apart from a rule
// that simply wasn't part of this run's ruleset (§4.8).
func (s *Store) Archive(ctx context.Context, shard domain.Shard, date, typ string, executedRuleIDs []string) (domain.Shard, error) {
	indexKey := shard.Tenant + "/" + shard.Region
	merged := shard

	prev, _, err := documentstore.Get[shardIndexEntry](ctx, s.ds, shardsCollection, indexKey)
	if err == nil {
		prevRaw, gerr := s.objects.Get(ctx, prev.ObjectKey)
		if gerr == nil {
			prevShard, derr := Decode(prevRaw)
			if derr == nil {
				merged = prevShard.Merge(shard, executedRuleIDs)
			}
		}
	} else if ierr, ok := internalerrors.As(err); !ok || ierr.Kind != internalerrors.KindNotFound {
		return domain.Shard{}, err
	}

	key := objectstore.Key(shard.Tenant, date, typ, shard.Region)
	encoded, err := Encode(merged)
	if err != nil {
		return domain.Shard{}, err
	}
	if err := s.objects.Put(ctx, key, encoded); err != nil {
		return domain.Shard{}, err
	}

	entry := shardIndexEntry{ObjectKey: key, UpdatedAt: time.Now()}
	if err := documentstore.Put(ctx, s.ds, shardsCollection, indexKey, shard.Tenant, entry); err != nil {
		return domain.Shard{}, err
	}
	return merged, nil
}

// Load fetches and decodes the most recently archived shard for a
// tenant/region.
func (s *Store) Load(ctx context.Context, tenant, region string) (domain.Shard, error) {
	indexKey := tenant + "/" + region
	entry, _, err := documentstore.Get[shardIndexEntry](ctx, s.ds, shardsCollection, indexKey)
	if err != nil {
		return domain.Shard{}, err
	}
	raw, err := s.objects.Get(ctx, entry.ObjectKey)
	if err != nil {
		return domain.Shard{}, err
	}
	return Decode(raw)
}
