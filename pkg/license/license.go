// Package license implements LC: activation, per-scan admission and
// quota deduction against the external license manager. A local cache
// shortens the hot path for repeat admission checks within its TTL,
// but a live license-manager outage is surfaced to the caller as an
// UNAVAILABLE error rather than masked by falling back to a stale
// allowance — JM owns the decision of how long to retry an unavailable
// license manager before failing a job (§4.3).
//
// Key rotation is grounded on the teacher's globalsigner KeyVersion /
// KeyStatus / RotationConfig pattern, generalized from an SGX-anchored
// signing key to an HMAC/JWT license-manager client key. Outbound
// admit/sync calls are wrapped in a circuit breaker (pkg/resilience) so
// a run of license-manager failures trips open and fails fast instead
// of hammering a struggling dependency.
package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/hkdf"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/pkg/cache"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/resilience"
)

const licensesCollection = "licenses"

// RotationConfig tunes the client's signing-key rotation schedule.
type RotationConfig struct {
	RotationPeriod time.Duration
	OverlapPeriod  time.Duration
	AutoRotate     bool
}

// DefaultRotationConfig matches the teacher's 30-day/7-day overlap schedule.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		RotationPeriod: 30 * 24 * time.Hour,
		OverlapPeriod:  7 * 24 * time.Hour,
		AutoRotate:     true,
	}
}

// ManagerClient talks to the external license manager. The production
// implementation (HTTPManagerClient) passes the active KeyVersion in the
// Activate body and sends an optional static bearer token; requests are
// not signed and carry no nonce. Tests substitute a fake.
type ManagerClient interface {
	Activate(ctx context.Context, customer, tenant string, keyVersion int) (domain.Activation, error)
	Sync(ctx context.Context, customer string) (domain.License, error)
	Notify(ctx context.Context, customer string, used int64) error
}

// Controller is the LC handle.
type Controller struct {
	ds            *documentstore.Store
	client        ManagerClient
	breaker       *resilience.CircuitBreaker
	cache         *cache.Cache[domain.License]
	keys          []domain.KeyVersion
	signingMaster []byte
}

// New constructs a Controller wrapping client in a circuit breaker and
// a local allowance cache.
func New(ds *documentstore.Store, client ManagerClient) *Controller {
	return &Controller{
		ds:      ds,
		client:  client,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		cache:   cache.New[domain.License](cache.Config{DefaultTTL: 10 * time.Minute}),
	}
}

// WithSigningMaster sets the master secret per-customer signing keys are
// derived from (§11's HKDF wiring). Without it, Activate skips token
// signing and leaves Activation.Token empty.
func (c *Controller) WithSigningMaster(secret []byte) *Controller {
	c.signingMaster = secret
	return c
}

// deriveSigningKey returns the HS256 key for (customer, keyVersion),
// derived from signingMaster via HKDF-SHA256 so no two customers or key
// generations ever share a JWT signing secret.
func (c *Controller) deriveSigningKey(customer string, keyVersion int) ([]byte, error) {
	derived := make([]byte, 32)
	info := []byte(fmt.Sprintf("%s/kv%d", customer, keyVersion))
	r := hkdf.New(sha256.New, c.signingMaster, nil, info)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindInternal, "license: derive signing key")
	}
	return derived, nil
}

// ActiveKey returns the currently active signing key, if any.
func (c *Controller) ActiveKey() (domain.KeyVersion, bool) {
	for _, k := range c.keys {
		if k.Status == domain.KeyStatusActive {
			return k, true
		}
	}
	return domain.KeyVersion{}, false
}

// Rotate retires the active key (into overlap for the configured
// overlap period, grounded on the teacher's rotation-state machine)
// and promotes a freshly issued key to active.
func (c *Controller) Rotate(cfg RotationConfig, newKey domain.KeyVersion) {
	now := time.Now()
	for i := range c.keys {
		if c.keys[i].Status == domain.KeyStatusActive {
			c.keys[i].Status = domain.KeyStatusRotating
			retires := now.Add(cfg.OverlapPeriod)
			c.keys[i].RetiresAt = retires
		}
	}
	newKey.Status = domain.KeyStatusActive
	newKey.IssuedAt = now
	c.keys = append(c.keys, newKey)
}

// signToken builds the HS256 JWT that Activate stores in
// Activation.Token, grounded on the teacher's JWT-based service auth.
// The token is not attached to outbound license manager requests.
// The signing key is never stored; it's re-derived from signingMaster
// on every call via deriveSigningKey.
func (c *Controller) signToken(customer string, keyVersion int) (string, error) {
	signingKey, err := c.deriveSigningKey(customer, keyVersion)
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"customer": customer,
		"kid":      keyVersion,
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", internalerrors.Wrap(err, internalerrors.KindInternal, "license: sign token")
	}
	return signed, nil
}

// Activate records a tenant activation handshake.
func (c *Controller) Activate(ctx context.Context, customer, tenant string) (domain.Activation, error) {
	key, ok := c.ActiveKey()
	if !ok {
		return domain.Activation{}, internalerrors.Internal("license: no active signing key", nil)
	}
	var act domain.Activation
	err := c.breaker.Execute(func() error {
		a, err := c.client.Activate(ctx, customer, tenant, key.Version)
		act = a
		return err
	})
	if err != nil {
		return domain.Activation{}, internalerrors.Wrap(err, internalerrors.KindUnavailable, "license: activate")
	}

	if len(c.signingMaster) > 0 {
		signed, err := c.signToken(customer, act.KeyVersion)
		if err != nil {
			return domain.Activation{}, err
		}
		act.Token = signed
	}

	return act, documentstore.Put(ctx, c.ds, "activations", customer+"/"+tenant, customer, act)
}

// Admit checks whether customer has remaining quota for one scan and,
// if so, deducts it atomically. A transient license-manager outage
// surfaces as a KindUnavailable error rather than an optimistic grant;
// callers that already charged a job against this Admit call should
// invoke Refund if a later admission step fails before the job starts.
func (c *Controller) Admit(ctx context.Context, customer string) (bool, error) {
	lic, err := c.refresh(ctx, customer)
	if err != nil {
		return false, err
	}
	if lic.Suspended || lic.Remaining() <= 0 {
		return false, nil
	}
	if _, err := documentstore.AtomicAdd(ctx, c.ds, licensesCollection, customer, "used", 1); err != nil {
		return false, err
	}
	return true, nil
}

// Refund reverses a successful Admit's quota deduction when a later
// admission step fails before the job actually starts. Quota is
// decremented before job start and refunded on admission failure,
// never on execution failure (§3) — callers must not refund a job that
// reached RUNNING.
func (c *Controller) Refund(ctx context.Context, customer string) error {
	_, err := documentstore.AtomicAdd(ctx, c.ds, licensesCollection, customer, "used", -1)
	return err
}

// Sync refreshes the local license mirror for customer from the license
// manager, for the scheduler's periodic LM resync tick.
func (c *Controller) Sync(ctx context.Context, customer string) (domain.License, error) {
	return c.refresh(ctx, customer)
}

// refresh returns the local mirror of customer's license, serving it
// from cache within the TTL and otherwise pulling a fresh copy from the
// license manager. A live sync failure is returned to the caller as
// KindUnavailable rather than papered over with a stale cached or
// stored license: masking an outage here would let an overdrawn or
// suspended license keep admitting jobs indefinitely while the license
// manager is down.
func (c *Controller) refresh(ctx context.Context, customer string) (domain.License, error) {
	if cached, ok := c.cache.Get(customer); ok {
		return cached, nil
	}

	var lic domain.License
	err := c.breaker.Execute(func() error {
		l, err := c.client.Sync(ctx, customer)
		lic = l
		return err
	})
	if err != nil {
		return domain.License{}, internalerrors.Wrap(err, internalerrors.KindUnavailable, "license: sync")
	}

	c.cache.Set(customer, lic, 10*time.Minute)
	if err := documentstore.Put(ctx, c.ds, licensesCollection, customer, customer, lic); err != nil {
		return lic, err
	}
	return lic, nil
}

// Notify reports current usage upstream, e.g. after a billing period rolls over.
func (c *Controller) Notify(ctx context.Context, customer string) error {
	stored, _, err := documentstore.Get[domain.License](ctx, c.ds, licensesCollection, customer)
	if err != nil {
		return err
	}
	return c.breaker.Execute(func() error {
		return c.client.Notify(ctx, customer, stored.Used)
	})
}
