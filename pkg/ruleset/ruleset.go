// Package ruleset implements RC: syncing RuleSources, assembling
// versioned Rulesets from the rules they contribute, and releasing a
// ruleset as the active version for a customer+cloud pairing.
package ruleset

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
)

const (
	sourcesCollection  = "rule_sources"
	rulesCollection    = "rules"
	rulesetsCollection = "rulesets"
)

// Controller is the RC handle.
type Controller struct {
	ds *documentstore.Store

	mu      sync.Mutex
	syncing map[string]bool // source id -> sync in progress
}

// New constructs a Controller.
func New(ds *documentstore.Store) *Controller {
	return &Controller{ds: ds, syncing: make(map[string]bool)}
}

// RuleFile is the on-disk YAML shape a RuleSource's content decodes into.
type RuleFile struct {
	Rules []domain.Rule `yaml:"rules"`
}

// ParseRuleFile decodes raw YAML rule content into domain.Rules, stamping
// sourceID and incrementing each rule's version as the source's sync
// counter advances.
func ParseRuleFile(raw []byte, sourceID string, version int) ([]domain.Rule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindValidation, "ruleset: parse rule file")
	}
	for i := range file.Rules {
		file.Rules[i].SourceID = sourceID
		file.Rules[i].Version = version
	}
	return file.Rules, nil
}

// Sync transitions src to SYNCING, stores the parsed rules, evicts
// rules this source previously contributed that are no longer present
// in raw (unless another un-deleted Ruleset still references them), and
// marks the source SYNCED (or FAILED, leaving the prior rule set
// intact). Concurrent syncs of the same source are rejected (§4.2).
func (c *Controller) Sync(ctx context.Context, src domain.RuleSource, raw []byte) (domain.RuleSource, error) {
	c.mu.Lock()
	if c.syncing[src.ID] {
		c.mu.Unlock()
		return src, internalerrors.Conflict("ruleset: sync already in progress for source " + src.ID)
	}
	c.syncing[src.ID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.syncing, src.ID)
		c.mu.Unlock()
	}()

	src.State = domain.SyncSyncing
	if err := documentstore.Put(ctx, c.ds, sourcesCollection, src.ID, src.Customer, src); err != nil {
		return src, err
	}

	rules, err := ParseRuleFile(raw, src.ID, src.Priority+1)
	if err != nil {
		src.State = domain.SyncFailed
		_ = documentstore.Put(ctx, c.ds, sourcesCollection, src.ID, src.Customer, src)
		return src, err
	}

	parsedIDs := make(map[string]bool, len(rules))
	for _, r := range rules {
		parsedIDs[r.ID] = true
	}

	for _, r := range rules {
		if err := documentstore.Put(ctx, c.ds, rulesCollection, r.ID, src.ID, r); err != nil {
			src.State = domain.SyncFailed
			_ = documentstore.Put(ctx, c.ds, sourcesCollection, src.ID, src.Customer, src)
			return src, err
		}
	}

	if err := c.evictStaleRules(ctx, src, parsedIDs); err != nil {
		src.State = domain.SyncFailed
		_ = documentstore.Put(ctx, c.ds, sourcesCollection, src.ID, src.Customer, src)
		return src, err
	}

	src.State = domain.SyncSynced
	src.LastSyncedAt = time.Now()
	if err := documentstore.Put(ctx, c.ds, sourcesCollection, src.ID, src.Customer, src); err != nil {
		return src, err
	}
	return src, nil
}

// evictStaleRules deletes rules src previously contributed that are
// absent from parsedIDs, unless a still-existing Ruleset for src's
// customer references them — a rule removed from its source but still
// bound into a released ruleset stays resolvable until that ruleset
// itself is deleted or superseded (§4.2's tie-break).
func (c *Controller) evictStaleRules(ctx context.Context, src domain.RuleSource, parsedIDs map[string]bool) error {
	prior, err := documentstore.Query[domain.Rule](ctx, c.ds, rulesCollection, src.ID, "", 0)
	if err != nil {
		return err
	}
	stale := make([]domain.Rule, 0)
	for _, r := range prior.Items {
		if !parsedIDs[r.ID] {
			stale = append(stale, r)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	rsPage, err := documentstore.Query[domain.Ruleset](ctx, c.ds, rulesetsCollection, src.Customer, "", 0)
	if err != nil {
		return err
	}
	referenced := make(map[string]bool)
	for _, rs := range rsPage.Items {
		for _, id := range rs.RuleIDs {
			referenced[id] = true
		}
	}

	for _, r := range stale {
		if referenced[r.ID] {
			continue
		}
		if err := documentstore.Delete(ctx, c.ds, rulesCollection, r.ID); err != nil {
			return err
		}
	}
	return nil
}

// Assemble builds a new Ruleset version from every rule contributed by
// the given sources, applying priority tie-breaks when two sources
// declare the same rule id (higher RuleSource.Priority wins; equal
// priority keeps the source synced most recently).
func (c *Controller) Assemble(ctx context.Context, customer, name string, cloud domain.Cloud, sources []domain.RuleSource, nextVersion int) (domain.Ruleset, error) {
	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].Priority != sources[j].Priority {
			return sources[i].Priority > sources[j].Priority
		}
		return sources[i].LastSyncedAt.After(sources[j].LastSyncedAt)
	})

	winners := make(map[string]domain.Rule)
	for _, src := range sources {
		page, err := documentstore.Query[domain.Rule](ctx, c.ds, rulesCollection, src.ID, "", 0)
		if err != nil {
			return domain.Ruleset{}, err
		}
		for _, r := range page.Items {
			if r.Cloud != cloud {
				continue
			}
			if _, exists := winners[r.ID]; !exists {
				winners[r.ID] = r
			}
		}
	}

	ids := make([]string, 0, len(winners))
	for id := range winners {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rs := domain.Ruleset{
		Customer:    customer,
		Name:        name,
		Version:     nextVersion,
		Cloud:       cloud,
		RuleIDs:     ids,
		RulesNumber: len(ids),
		Status:      domain.RulesetAssembling,
		CreatedAt:   time.Now(),
	}
	if len(ids) == 0 {
		rs.Status = domain.RulesetFailed
		return rs, internalerrors.Validation("ruleset: no rules matched cloud %s", cloud)
	}
	rs.Status = domain.RulesetReadyToScan
	if err := documentstore.Put(ctx, c.ds, rulesetsCollection, rs.Key(), customer, rs); err != nil {
		return rs, err
	}
	return rs, nil
}

// Release marks ruleset as the active version for its (customer, cloud,
// name) triple. A version collision — a Ruleset already stored under
// rs.Key() — fails with CONFLICT unless overwrite is true (§8).
func (c *Controller) Release(ctx context.Context, rs domain.Ruleset, overwrite bool) error {
	if rs.Status != domain.RulesetReadyToScan {
		return internalerrors.Validation("ruleset: cannot release ruleset in status %s", rs.Status)
	}
	if !overwrite {
		if _, _, err := documentstore.Get[domain.Ruleset](ctx, c.ds, rulesetsCollection, rs.Key()); err == nil {
			return internalerrors.Conflict("ruleset: version " + strconv.Itoa(rs.Version) + " of " + rs.Name + " already exists")
		} else if ierr, ok := internalerrors.As(err); !ok || ierr.Kind != internalerrors.KindNotFound {
			return err
		}
	}
	rs.Active = true
	return documentstore.Put(ctx, c.ds, rulesetsCollection, rs.Key(), rs.Customer, rs)
}

// Rules resolves the Rule entities named by a Ruleset.
func (c *Controller) Rules(ctx context.Context, rs domain.Ruleset) ([]domain.Rule, error) {
	rules := make([]domain.Rule, 0, len(rs.RuleIDs))
	for _, id := range rs.RuleIDs {
		r, _, err := documentstore.Get[domain.Rule](ctx, c.ds, rulesCollection, id)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// RulesForJob resolves the Ruleset named by j's (Customer, Cloud,
// RulesetName, RulesetVersion) and returns its Rules, narrowed to
// j.RequestedRuleIDs when the job requested a subset (event-driven
// jobs submitted through pkg/job.Manager.SubmitRules). It implements
// pkg/worker.RuleResolver.
func (c *Controller) RulesForJob(ctx context.Context, j domain.Job) ([]domain.Rule, error) {
	page, err := documentstore.Query[domain.Ruleset](ctx, c.ds, rulesetsCollection, j.Customer, "", 0)
	if err != nil {
		return nil, err
	}
	for _, rs := range page.Items {
		if rs.Name == j.RulesetName && rs.Version == j.RulesetVersion {
			if len(j.RequestedRuleIDs) > 0 {
				rs = rs.FilteredTo(j.RequestedRuleIDs)
			}
			return c.Rules(ctx, rs)
		}
	}
	return nil, internalerrors.NotFound("ruleset", j.RulesetName)
}

// ActiveRuleset resolves the currently active ruleset for customer and
// cloud, the same lookup pkg/job.Manager.Submit performs, exposed so EB
// can resolve an event-driven job's candidate rules without duplicating
// ruleset bookkeeping. When several named rulesets are active for the
// same cloud, the first one found wins.
func (c *Controller) ActiveRuleset(ctx context.Context, customer string, cloud domain.Cloud) (domain.Ruleset, error) {
	page, err := documentstore.Query[domain.Ruleset](ctx, c.ds, rulesetsCollection, customer, "", 0)
	if err != nil {
		return domain.Ruleset{}, err
	}
	for _, rs := range page.Items {
		if rs.Cloud == cloud && rs.Active {
			return rs, nil
		}
	}
	return domain.Ruleset{}, internalerrors.NotFound("active ruleset", string(cloud))
}
