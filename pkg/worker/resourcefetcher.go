package worker

import (
	"context"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/pkg/domain"
)

// UnconfiguredResourceFetcher is the zero-value ResourceFetcher wired
// by default: it fails closed rather than silently returning an empty
// inventory, since an empty inventory and "no provider SDK registered"
// must not look the same to a Job's status. Real deployments register a
// per-cloud ResourceFetcher (AWS/Azure/GCP SDK adapters) in its place;
// building those adapters is out of scope here.
type UnconfiguredResourceFetcher struct{}

func (UnconfiguredResourceFetcher) ListResources(ctx context.Context, tenant domain.Tenant, region string) ([]Resource, error) {
	return nil, internalerrors.Newf(internalerrors.KindInternal, "worker: no resource fetcher registered for cloud %s", tenant.Cloud)
}

// MultiCloudFetcher dispatches ListResources to the fetcher registered
// for the tenant's Cloud, falling back to UnconfiguredResourceFetcher
// for clouds without a registered adapter.
type MultiCloudFetcher struct {
	byCloud map[domain.Cloud]ResourceFetcher
}

// NewMultiCloudFetcher builds a dispatcher over the given per-cloud fetchers.
func NewMultiCloudFetcher(byCloud map[domain.Cloud]ResourceFetcher) *MultiCloudFetcher {
	return &MultiCloudFetcher{byCloud: byCloud}
}

func (m *MultiCloudFetcher) ListResources(ctx context.Context, tenant domain.Tenant, region string) ([]Resource, error) {
	if f, ok := m.byCloud[tenant.Cloud]; ok && f != nil {
		return f.ListResources(ctx, tenant, region)
	}
	return UnconfiguredResourceFetcher{}.ListResources(ctx, tenant, region)
}
