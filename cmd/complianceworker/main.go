// Command complianceworker runs one region of one job to completion and
// exits, implementing WR's process-per-region isolation option (§4.6):
// exit 0 on success, 2 on license denial, 126 on a retryable credential
// failure, 1 on any other non-retryable failure. The default in-process
// goroutine pool (pkg/worker.Pool, driven synchronously from pkg/job)
// remains the common path; this binary is for deployments that want a
// hard process boundary per region instead.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/cloudveil/compliance-engine/internal/config"
	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/internal/logging"
	"github.com/cloudveil/compliance-engine/pkg/credentials"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/findings"
	"github.com/cloudveil/compliance-engine/pkg/license"
	"github.com/cloudveil/compliance-engine/pkg/objectstore"
	"github.com/cloudveil/compliance-engine/pkg/ruleset"
	"github.com/cloudveil/compliance-engine/pkg/secretstore"
	"github.com/cloudveil/compliance-engine/pkg/worker"
)

func main() {
	customer := flag.String("customer", "", "customer name")
	tenantName := flag.String("tenant", "", "tenant name")
	region := flag.String("region", "", "region to evaluate")
	cloud := flag.String("cloud", "", "tenant cloud: aws|azure|gcp|k8s")
	jobID := flag.String("job-id", "", "job id, for logging only")
	rulesetName := flag.String("ruleset-name", "", "ruleset name")
	rulesetVersion := flag.Int("ruleset-version", 0, "ruleset version")
	flag.Parse()

	log := logging.NewFromEnv("complianceworker")
	cfg := config.Load()

	if *customer == "" || *tenantName == "" || *region == "" {
		log.WithField("job_id", *jobID).Error("customer, tenant and region are required")
		os.Exit(int(worker.ExitNonRetryable))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DefaultJobHardCap)
	defer cancel()

	ds, err := documentstore.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Error("connect to document store")
		os.Exit(int(worker.ExitNonRetryable))
	}
	defer ds.Close()

	secretKey, ok := config.RequireEnv("SECRET_ENCRYPTION_KEY")
	if !ok {
		log.Error("SECRET_ENCRYPTION_KEY must be set")
		os.Exit(int(worker.ExitNonRetryable))
	}
	secrets, err := secretstore.New(ds, []byte(secretKey))
	if err != nil {
		log.WithError(err).Error("initialise secret store")
		os.Exit(int(worker.ExitNonRetryable))
	}
	resolver := credentials.New(secrets)

	tenant := domain.Tenant{Customer: *customer, Name: *tenantName, Cloud: domain.Cloud(*cloud)}
	if exitCode, err := checkCredentials(ctx, resolver, tenant); err != nil {
		log.WithError(err).WithField("cloud", tenant.Cloud).Error("credential resolution failed")
		os.Exit(int(exitCode))
	}

	lmClient, err := license.NewHTTPManagerClient(nil, cfg.LicenseManagerBaseURL)
	if err != nil {
		log.WithError(err).Error("configure license manager client")
		os.Exit(int(worker.ExitNonRetryable))
	}
	if token, err := secrets.Get(ctx, "license-manager-token", "complianceworker"); err == nil {
		lmClient.WithBearerToken(token)
	}
	licenses := license.New(ds, lmClient)
	admitted, err := licenses.Admit(ctx, *customer)
	if err != nil {
		log.WithError(err).Error("license admission check")
		os.Exit(int(worker.ExitNonRetryable))
	}
	if !admitted {
		log.WithField("customer", *customer).Warn("license denied region execution")
		os.Exit(int(worker.ExitLicenseDenied))
	}

	rulesets := ruleset.New(ds)
	rules, err := rulesets.RulesForJob(ctx, domain.Job{
		Customer:       *customer,
		RulesetName:    *rulesetName,
		RulesetVersion: *rulesetVersion,
	})
	if err != nil {
		log.WithError(err).Error("resolve ruleset")
		os.Exit(int(worker.ExitNonRetryable))
	}

	objects := objectstore.New(objectstore.NewMemoryBackend())
	shards := findings.New(objects, ds)
	pool := worker.NewPool(worker.UnconfiguredResourceFetcher{}, rulesets, shards, nil, worker.Config{Size: 1})

	shard, err := pool.RunRegion(ctx, tenant, *region, rules)
	if err != nil {
		log.WithError(err).WithField("region", *region).Error("region pipeline failed")
		os.Exit(int(worker.ExitNonRetryable))
	}

	log.WithField("job_id", *jobID).
		WithField("region", *region).
		WithField("findings", len(shard.Findings)).
		Info("region completed")
	os.Exit(int(worker.ExitSuccess))
}

// checkCredentials resolves the tenant's cloud credentials up front so a
// missing/expired secret surfaces as the documented retryable exit code
// (126) rather than failing mid-pipeline with exit 1.
func checkCredentials(ctx context.Context, resolver *credentials.Resolver, tenant domain.Tenant) (worker.ExitCode, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := resolver.Resolve(ctx, tenant); err != nil {
		if internalerrors.IsKind(err, internalerrors.KindValidation) {
			return worker.ExitNonRetryable, err
		}
		return worker.ExitRetryableCredential, err
	}
	return worker.ExitSuccess, nil
}
