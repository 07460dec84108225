// Package credentials implements CR: resolving the cloud credentials a
// worker needs to scan one Tenant, trying sources in priority order
// until one succeeds. The Azure branch uses the Azure SDK's chained
// credential (azidentity), the way a production scanner would rather
// than hand-rolling OAuth token exchange.
package credentials

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/secretstore"
)

// AWSCredentials is the resolved credential set for an AWS tenant.
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	RoleARN         string
}

// GCPCredentials is the resolved credential set for a GCP tenant.
type GCPCredentials struct {
	ServiceAccountJSON []byte
}

// AzureCredentials wraps an azcore.TokenCredential obtained from a
// tenant-scoped client secret when one is stored, otherwise from the
// SDK's DefaultAzureCredential chain (see ResolveAzure).
type AzureCredentials struct {
	TokenCredential azcore.TokenCredential
	SubscriptionID  string
}

// Resolver resolves per-tenant cloud credentials through SS, falling
// back to the process's ambient identity for Azure when no tenant
// secret is configured.
type Resolver struct {
	secrets *secretstore.Store
}

// New constructs a Resolver.
func New(secrets *secretstore.Store) *Resolver { return &Resolver{secrets: secrets} }

// ResolveAWS tries, in order: a tenant-scoped access key pair in SS,
// then a tenant-scoped assume-role ARN stored alongside it.
func (r *Resolver) ResolveAWS(ctx context.Context, tenant domain.Tenant) (AWSCredentials, error) {
	if key, err := r.secrets.Get(ctx, tenant.Key()+"/aws/access_key_id", "worker"); err == nil {
		secret, err := r.secrets.Get(ctx, tenant.Key()+"/aws/secret_access_key", "worker")
		if err != nil {
			return AWSCredentials{}, err
		}
		return AWSCredentials{AccessKeyID: key, SecretAccessKey: secret}, nil
	}
	if arn, err := r.secrets.Get(ctx, tenant.Key()+"/aws/role_arn", "worker"); err == nil {
		return AWSCredentials{RoleARN: arn}, nil
	}
	return AWSCredentials{}, internalerrors.NotFound("aws credentials", tenant.Key())
}

// ResolveGCP returns the tenant's service account JSON from SS.
func (r *Resolver) ResolveGCP(ctx context.Context, tenant domain.Tenant) (GCPCredentials, error) {
	raw, err := r.secrets.Get(ctx, tenant.Key()+"/gcp/service_account_json", "worker")
	if err != nil {
		return GCPCredentials{}, err
	}
	return GCPCredentials{ServiceAccountJSON: []byte(raw)}, nil
}

// ResolveAzure prefers a tenant-scoped client secret in SS; when none
// is configured it falls back to the process's ambient identity
// (managed identity in production, Azure CLI locally) via
// azidentity.NewDefaultAzureCredential.
func (r *Resolver) ResolveAzure(ctx context.Context, tenant domain.Tenant) (AzureCredentials, error) {
	clientID, idErr := r.secrets.Get(ctx, tenant.Key()+"/azure/client_id", "worker")
	clientSecret, secErr := r.secrets.Get(ctx, tenant.Key()+"/azure/client_secret", "worker")
	tenantID, tenErr := r.secrets.Get(ctx, tenant.Key()+"/azure/tenant_id", "worker")

	if idErr == nil && secErr == nil && tenErr == nil {
		cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
		if err != nil {
			return AzureCredentials{}, internalerrors.Wrap(err, internalerrors.KindInternal, "credentials: azure client secret")
		}
		return AzureCredentials{TokenCredential: cred, SubscriptionID: tenant.CloudIdentifier}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return AzureCredentials{}, internalerrors.Wrap(err, internalerrors.KindInternal, "credentials: azure default chain")
	}
	return AzureCredentials{TokenCredential: cred, SubscriptionID: tenant.CloudIdentifier}, nil
}

// ResolveK8s returns the tenant's kubeconfig from SS. K8s tenants are
// always self-hosted, so there is no ambient-identity fallback.
func (r *Resolver) ResolveK8s(ctx context.Context, tenant domain.Tenant) ([]byte, error) {
	raw, err := r.secrets.Get(ctx, tenant.Key()+"/k8s/kubeconfig", "worker")
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// Resolve dispatches to the cloud-specific resolver for tenant and
// discards the resolved credential value. It's the seam JM's admission
// pipeline uses to confirm credentials exist before a job is dispatched,
// without JM having to know about any particular cloud's credential shape.
func (r *Resolver) Resolve(ctx context.Context, tenant domain.Tenant) error {
	var err error
	switch tenant.Cloud {
	case domain.CloudAWS:
		_, err = r.ResolveAWS(ctx, tenant)
	case domain.CloudAzure:
		_, err = r.ResolveAzure(ctx, tenant)
	case domain.CloudGCP:
		_, err = r.ResolveGCP(ctx, tenant)
	case domain.CloudK8s:
		_, err = r.ResolveK8s(ctx, tenant)
	default:
		return internalerrors.Validation("unsupported cloud %q", tenant.Cloud)
	}
	return err
}
