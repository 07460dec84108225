// Command complianceengine runs the HTTP API: job submission and
// status, customer/tenant management, ruleset assembly, license
// activation, and event ingestion. The same process also hosts the
// in-process worker pool that admitted jobs are dispatched to and the
// cron scheduler; complianceworker is a separate one-region entrypoint.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudveil/compliance-engine/internal/config"
	"github.com/cloudveil/compliance-engine/internal/httpapi"
	"github.com/cloudveil/compliance-engine/internal/logging"
	"github.com/cloudveil/compliance-engine/internal/metrics"
	"github.com/cloudveil/compliance-engine/internal/scheduler"
	"github.com/cloudveil/compliance-engine/pkg/credentials"
	"github.com/cloudveil/compliance-engine/pkg/delivery"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/eventbatch"
	"github.com/cloudveil/compliance-engine/pkg/findings"
	"github.com/cloudveil/compliance-engine/pkg/job"
	"github.com/cloudveil/compliance-engine/pkg/license"
	"github.com/cloudveil/compliance-engine/pkg/lock"
	"github.com/cloudveil/compliance-engine/pkg/objectstore"
	"github.com/cloudveil/compliance-engine/pkg/reportpipeline"
	"github.com/cloudveil/compliance-engine/pkg/ruleset"
	"github.com/cloudveil/compliance-engine/pkg/secretstore"
	"github.com/cloudveil/compliance-engine/pkg/worker"
)

func main() {
	log := logging.NewFromEnv("complianceengine")
	cfg := config.Load()

	rootCtx := context.Background()

	ds, err := documentstore.Open(rootCtx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect to document store")
	}
	defer ds.Close()
	if err := ds.Migrate(); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	secretKey, ok := config.RequireEnv("SECRET_ENCRYPTION_KEY")
	if !ok {
		log.Fatal("SECRET_ENCRYPTION_KEY must be set")
	}
	secrets, err := secretstore.New(ds, []byte(secretKey))
	if err != nil {
		log.WithError(err).Fatal("initialise secret store")
	}

	objects := objectstore.New(objectstore.NewMemoryBackend())
	shards := findings.New(objects, ds)
	locker := lock.New(ds, redisClient, 10*time.Minute)
	rulesets := ruleset.New(ds)

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	lmClient, err := license.NewHTTPManagerClient(
		&http.Client{Timeout: cfg.LicenseManagerTimeout},
		cfg.LicenseManagerBaseURL,
	)
	if err != nil {
		log.WithError(err).Fatal("configure license manager client")
	}
	if token, err := secrets.Get(rootCtx, "license-manager-token", "complianceengine"); err == nil {
		lmClient.WithBearerToken(token)
	}
	licenses := license.New(ds, lmClient)
	if signingMaster, ok := config.RequireEnv("LICENSE_SIGNING_MASTER"); ok {
		licenses.WithSigningMaster([]byte(signingMaster))
	} else {
		log.Warn("LICENSE_SIGNING_MASTER not set; activations will not carry a signed token")
	}

	pool := worker.NewPool(worker.UnconfiguredResourceFetcher{}, rulesets, shards, nil, worker.Config{})

	resolver := credentials.New(secrets)

	jobs := job.New(ds, locker, resolver, licenses, pool, reg, job.Config{
		DefaultDeadline: cfg.DefaultJobHardCap,
	})
	pool.SetJobs(jobs)

	batcher := eventbatch.New(ds, jobs, rulesets, reg, eventbatch.Config{Window: cfg.EventWindow})
	if raw, ok := config.RequireEnv("EVENT_RULE_MAP"); ok {
		var eventRules map[string][]string
		if err := json.Unmarshal([]byte(raw), &eventRules); err != nil {
			log.WithError(err).Fatal("parse EVENT_RULE_MAP")
		}
		for eventName, ruleIDs := range eventRules {
			batcher.RegisterEventRules(eventName, ruleIDs)
		}
	}

	reports := reportpipeline.New(ds, findings.NewJobShardSource(shards), reg)

	dispatcher := delivery.New(ds, http.DefaultClient, reg, log.Logger)

	// Sinks/payloads are keyed by ID and start empty; no HTTP route
	// registers a sink, so retrySendReports runs as a no-op retry pass
	// unless entries are added to these maps here.
	sched, err := scheduler.New(cfg, scheduler.Deps{
		DS:       ds,
		Jobs:     jobs,
		Batcher:  batcher,
		License:  licenses,
		Reports:  reports,
		Delivery: dispatcher,
		Sinks:    map[string]delivery.Sink{},
		Payloads: map[string][]byte{},
		Log:      log,
	})
	if err != nil {
		log.WithError(err).Fatal("configure scheduler")
	}
	sched.Start()
	defer sched.Stop()

	server := httpapi.NewServer(httpapi.Deps{
		DS:       ds,
		Jobs:     jobs,
		Rulesets: rulesets,
		License:  licenses,
		Batcher:  batcher,
		Reports:  reports,
		Delivery: dispatcher,
		Log:      log,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("complianceengine listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown")
	}
}
