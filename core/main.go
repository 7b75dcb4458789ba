package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/actuator"
	"github.com/patoruzuy/sysgrow/core/bayes"
	"github.com/patoruzuy/sysgrow/core/bus"
	"github.com/patoruzuy/sysgrow/core/climate"
	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/irrigation"
	"github.com/patoruzuy/sysgrow/core/notify"
	"github.com/patoruzuy/sysgrow/core/plantsense"
	"github.com/patoruzuy/sysgrow/core/predictor"
	"github.com/patoruzuy/sysgrow/core/store"
	"github.com/patoruzuy/sysgrow/core/throttle"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real{}
	tunables := irrigation.TunablesFromEnv()

	// Stores: Postgres + Redis when configured, in-memory otherwise.
	memory := store.NewMemoryStore()
	var workflowStore store.WorkflowStore = memory
	var analytics store.AnalyticsStore = memory
	var locker store.UnitLocker = memory
	var idempotency store.IdempotencyStore = memory

	if dsn := os.Getenv("SYSGROW_POSTGRES_URL"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			logger.Fatal("postgres unavailable", zap.Error(err))
		}
		defer pg.Close()
		workflowStore = pg
		analytics = pg
		logger.Info("using postgres store")
	}
	if addr := os.Getenv("SYSGROW_REDIS_ADDR"); addr != "" {
		redisLocker, err := store.NewRedisLocker(addr, os.Getenv("SYSGROW_REDIS_PASSWORD"), 0)
		if err != nil {
			logger.Fatal("redis unavailable", zap.Error(err))
		}
		defer redisLocker.Close()
		locker = redisLocker
		idempotency = store.NewRedisIdempotency(redisLocker.Client())
		logger.Info("using redis unit locks")
	}

	events := bus.New(logger)
	defer events.Close()
	sched := clock.NewScheduler(clk, logger)
	registry := actuator.NewRegistry(logger)
	defer registry.Close()
	notifier := notify.NewLogNotifier(logger)
	adjuster := bayes.NewAdjuster(workflowStore, clk, bayes.DefaultDefaults(), logger)

	unitIDs := parseUnitIDs(os.Getenv("SYSGROW_UNIT_IDS"))
	resolver := newStaticResolver()
	applier := &thresholdApplier{resolver: resolver, logger: logger}

	// Object-graph pass: everything is wired before any subscriber
	// starts receiving events.
	var moistureReaders []*plantsense.Controller
	workflow := irrigation.New(irrigation.Deps{
		Store:       workflowStore,
		Locker:      locker,
		Idempotency: idempotency,
		Registry:    registry,
		Predictor:   predictor.Noop{},
		Notifier:    notifier,
		Adjuster:    adjuster,
		Applier:     applier,
		Events:      events,
		Moisture:    &fanoutMoisture{readers: &moistureReaders},
		Clock:       clk,
		Scheduler:   sched,
		Logger:      logger,
	}, tunables)

	var controllers []interface{ Stop() }
	for _, unitID := range unitIDs {
		envGate := throttle.NewGate("sensor", loadThrottleConfig(ctx, workflowStore, unitID, logger), logger)
		plantGate := throttle.NewGate("plant", loadThrottleConfig(ctx, workflowStore, unitID, logger), logger)

		cc := climate.NewController(unitID, climate.DefaultConfig(), events, registry, envGate, analytics, clk, logger)
		pc := plantsense.NewController(unitID, events, plantGate, analytics, resolver, workflow.Detection, clk, logger)

		cc.Start()
		pc.Start()
		controllers = append(controllers, cc, pc)
		moistureReaders = append(moistureReaders, pc)
	}

	workflow.RegisterTasks(sched)
	go sched.Run(ctx)

	metricsAddr := os.Getenv("SYSGROW_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("sysgrow control core running",
		zap.Int64s("units", unitIDs),
		zap.String("metrics_addr", metricsAddr))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	for _, c := range controllers {
		c.Stop()
	}
}

func parseUnitIDs(raw string) []int64 {
	if raw == "" {
		return []int64{1}
	}
	var ids []int64
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if id, err := strconv.ParseInt(raw[start:i], 10, 64); err == nil {
				ids = append(ids, id)
			}
			start = i + 1
		}
	}
	if len(ids) == 0 {
		return []int64{1}
	}
	return ids
}

func loadThrottleConfig(ctx context.Context, s store.WorkflowStore, unitID int64, logger *zap.Logger) throttle.Config {
	raw, err := s.GetThrottleConfig(ctx, unitID)
	if err != nil {
		logger.Warn("throttle config load failed, using defaults",
			zap.Int64("unit_id", unitID), zap.Error(err))
		return throttle.DefaultConfig()
	}
	return throttle.FromMap(raw)
}

// fanoutMoisture queries every unit's plant controller for a reading.
type fanoutMoisture struct {
	readers *[]*plantsense.Controller
}

func (f *fanoutMoisture) LatestMoisture(unitID int64, sensorID string) (float64, time.Time, bool) {
	for _, r := range *f.readers {
		if value, at, ok := r.LatestMoisture(unitID, sensorID); ok {
			return value, at, true
		}
	}
	return 0, time.Time{}, false
}

// staticResolver keeps plant contexts in memory; the plant service that
// owns them in production is outside the core.
type staticResolver struct {
	mu       sync.Mutex
	contexts map[string]plantsense.PlantContext // "unit:sensor" key
}

func newStaticResolver() *staticResolver {
	return &staticResolver{contexts: make(map[string]plantsense.PlantContext)}
}

func (r *staticResolver) key(unitID int64, sensorID string) string {
	return strconv.FormatInt(unitID, 10) + ":" + sensorID
}

// Link registers a plant context for a sensor.
func (r *staticResolver) Link(unitID int64, sensorID string, pc plantsense.PlantContext) {
	r.mu.Lock()
	r.contexts[r.key(unitID, sensorID)] = pc
	r.mu.Unlock()
}

func (r *staticResolver) Resolve(_ context.Context, unitID int64, sensorID string) (plantsense.PlantContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.contexts[r.key(unitID, sensorID)]
	return pc, ok
}

// adjustThreshold mutates a linked plant's target moisture.
func (r *staticResolver) adjustThreshold(plantID, unitID int64, set *float64, delta float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	prefix := strconv.FormatInt(unitID, 10) + ":"
	for key, pc := range r.contexts {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if plantID != 0 && pc.PlantID != plantID {
			continue
		}
		if set != nil {
			pc.TargetMoisture = *set
		} else {
			pc.TargetMoisture += delta
		}
		if pc.TargetMoisture < 0 {
			pc.TargetMoisture = 0
		}
		if pc.TargetMoisture > 100 {
			pc.TargetMoisture = 100
		}
		r.contexts[key] = pc
		changed = true
	}
	return changed
}

// thresholdApplier routes learned threshold changes back into the
// resolver's plant contexts.
type thresholdApplier struct {
	resolver *staticResolver
	logger   *zap.Logger
}

func (a *thresholdApplier) ApplyPlantThreshold(_ context.Context, plantID, unitID int64, newThreshold float64) error {
	if a.resolver.adjustThreshold(plantID, unitID, &newThreshold, 0) {
		a.logger.Info("plant threshold updated",
			zap.Int64("plant_id", plantID), zap.Float64("threshold", newThreshold))
	}
	return nil
}

func (a *thresholdApplier) ApplyUnitAdjustment(_ context.Context, unitID int64, adjustment float64) error {
	if a.resolver.adjustThreshold(0, unitID, nil, adjustment) {
		a.logger.Info("unit thresholds adjusted",
			zap.Int64("unit_id", unitID), zap.Float64("adjustment", adjustment))
	}
	return nil
}
