package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/assessment"
	"github.com/lvonguyen/idrisk/internal/config"
	"github.com/lvonguyen/idrisk/internal/enrichment"
	"github.com/lvonguyen/idrisk/internal/falsepositive"
	"github.com/lvonguyen/idrisk/internal/indicator"
	"github.com/lvonguyen/idrisk/internal/oauth"
	"github.com/lvonguyen/idrisk/internal/report"
	"github.com/lvonguyen/idrisk/internal/scoring"
	"github.com/lvonguyen/idrisk/internal/telemetry"
	"github.com/lvonguyen/idrisk/internal/telemetry/correlation"
	"github.com/lvonguyen/idrisk/internal/telemetry/ingestion"
	"github.com/lvonguyen/idrisk/internal/telemetry/normalization"
)

// closers collects resources to release when a command ends.
type closers []func()

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// redisClient connects when the config needs Redis, otherwise returns nil.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if !a.cfg.UsesRedis() {
		return nil, nil
	}
	client := redis.NewClient(a.cfg.Redis.Options())
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.logger.Info("Connected to Redis", zap.String("addr", a.cfg.Redis.Addr))
	return client, nil
}

// reputationProvider returns the AbuseIPDB provider when enabled. A missing
// API key degrades to no provider rather than failing the batch.
func (a *app) reputationProvider() enrichment.ReputationProvider {
	if !a.cfg.AbuseIPDB.Enabled {
		a.logger.Warn("No reputation provider enabled, IP reputation will be unknown")
		return nil
	}
	p, err := enrichment.NewAbuseIPDBProvider(a.cfg.AbuseIPDB.AbuseIPDBConfig)
	if err != nil {
		a.logger.Warn("AbuseIPDB provider unavailable, IP reputation will be unknown", zap.Error(err))
		return nil
	}
	return p
}

func (a *app) budget(client *redis.Client, provider enrichment.ReputationProvider) enrichment.Budget {
	if a.cfg.Budget.Backend == config.BackendRedis && client != nil {
		name := "none"
		if provider != nil {
			name = provider.Name()
		}
		return enrichment.NewRedisBudget(client, name, a.cfg.Budget.DailyLimit)
	}
	return enrichment.NewMemoryBudget(a.cfg.Budget.DailyLimit)
}

// normalizer wires the optional GeoIP databases into sign-in normalization.
func (a *app) normalizer() (*normalization.Normalizer, func(), error) {
	var geo telemetry.GeoResolver
	release := func() {}
	if a.cfg.GeoIP.CountryDBPath != "" || a.cfg.GeoIP.ASNDBPath != "" {
		g, err := enrichment.OpenGeoIP(a.cfg.GeoIP.CountryDBPath, a.cfg.GeoIP.ASNDBPath)
		if err != nil {
			return nil, nil, err
		}
		geo = g
		release = g.Close
	}
	return normalization.NewNormalizer(a.cfg.Normalization, geo, a.logger), release, nil
}

func (a *app) markStore(client *redis.Client) (falsepositive.Store, error) {
	switch a.cfg.Reports.MarksBackend {
	case config.BackendMemory:
		return falsepositive.NewMemoryStore(), nil
	case config.BackendRedis:
		if client == nil {
			return nil, errors.New("redis marks backend requires a redis client")
		}
		return falsepositive.NewRedisStore(client, a.logger), nil
	default:
		return falsepositive.NewFileStore(a.cfg.Reports.OutputDir), nil
	}
}

// runner assembles the batch runner for reading exports from snapshotDir and
// writing documents to outDir.
func (a *app) runner(ctx context.Context, snapshotDir, outDir string) (*assessment.Runner, closers, error) {
	var cleanup closers

	catalog, err := a.cfg.LoadCatalog()
	if err != nil {
		return nil, nil, fmt.Errorf("loading indicator catalog: %w", err)
	}
	engine, err := indicator.NewEngine(catalog, a.cfg.SignIn, a.logger)
	if err != nil {
		return nil, nil, err
	}
	scorer, err := scoring.NewScorer(a.cfg.Scoring)
	if err != nil {
		return nil, nil, err
	}

	normalizer, release, err := a.normalizer()
	if err != nil {
		return nil, nil, err
	}
	cleanup = append(cleanup, release)

	client, err := a.redisClient(ctx)
	if err != nil {
		cleanup.close()
		return nil, nil, err
	}
	if client != nil {
		cleanup = append(cleanup, func() { _ = client.Close() })
	}

	reports, err := report.NewStore(outDir, a.logger)
	if err != nil {
		cleanup.close()
		return nil, nil, err
	}

	provider := a.reputationProvider()
	runner, err := assessment.NewRunner(assessment.Dependencies{
		Source:     ingestion.NewFileSource(snapshotDir),
		Normalizer: normalizer,
		Engine:     engine,
		Scorer:     scorer,
		Classifier: oauth.NewClassifier(a.cfg.OAuth),
		Correlator: correlation.NewCorrelator(a.cfg.Correlation),
		Provider:   provider,
		Budget:     a.budget(client, provider),
		Reports:    reports,
		Telemetry:  a.telemetry,
		Logger:     a.logger,
	})
	if err != nil {
		cleanup.close()
		return nil, nil, err
	}
	return runner, cleanup, nil
}
