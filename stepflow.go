package stepflow

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/config"
	"github.com/petrijr/stepflow/pkg/log"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Step           = api.Step
	ExecuteFunc    = api.ExecuteFunc
	ExecuteParams  = api.ExecuteParams
	ConditionFunc  = api.ConditionFunc
	Node           = api.Node
	Schema         = api.Schema
	Mapping        = api.Mapping
	MapSource      = api.MapSource
	RetryPolicy    = api.RetryPolicy
	ExecutionGraph = api.ExecutionGraph
	FlowEntry      = api.FlowEntry

	StepStatus  = api.StepStatus
	StepResult  = api.StepResult
	RunStatus   = api.RunStatus
	RunResult   = api.RunResult
	RunSnapshot = api.RunSnapshot
	SuspendInfo = api.SuspendInfo
	RunFilter   = api.RunFilter

	ExecutionEngine = api.ExecutionEngine
	RunStore        = api.RunStore
	Runner          = api.Runner

	Observer             = api.Observer
	RunInfo              = api.RunInfo
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	EventObserver        = api.EventObserver
	RunEvent             = api.RunEvent
	EventSink            = api.EventSink

	StepExecutionError     = api.StepExecutionError
	GraphConstructionError = api.GraphConstructionError
	ResumeMismatchError    = api.ResumeMismatchError

	EngineOptions          = engine.Options
	DefaultExecutionEngine = engine.DefaultExecutionEngine
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewEventObserver     = api.NewEventObserver
)

// Re-export status values for convenience.

const (
	StepSuccess   = api.StepSuccess
	StepFailed    = api.StepFailed
	StepSuspended = api.StepSuspended

	RunPending   = api.RunPending
	RunRunning   = api.RunRunning
	RunSuccess   = api.RunSuccess
	RunFailed    = api.RunFailed
	RunSuspended = api.RunSuspended
)

// Re-export sentinel errors.

var (
	ErrGraphConstruction     = api.ErrGraphConstruction
	ErrResumeMismatch        = api.ErrResumeMismatch
	ErrNoBranchMatched       = api.ErrNoBranchMatched
	ErrLoopLimitExceeded     = api.ErrLoopLimitExceeded
	ErrStepResultUnavailable = api.ErrStepResultUnavailable
	ErrStepPanicked          = api.ErrStepPanicked
	ErrRunNotFound           = api.ErrRunNotFound
	ErrNotCommitted          = api.ErrNotCommitted
	ErrRunAlreadyStarted     = api.ErrRunAlreadyStarted
	ErrRunConflict           = api.ErrRunConflict
	ErrMappingPath           = api.ErrMappingPath
	ErrWorkflowMismatch      = api.ErrWorkflowMismatch
	ErrWorkflowNotFound      = api.ErrWorkflowNotFound
)

// StepResultAs returns the recorded output of step converted to T.
func StepResultAs[T any](p ExecuteParams, step *Step) (T, error) {
	return api.StepResultAs[T](p, step)
}

// SchemaOf derives a Schema from the exported fields of T.
func SchemaOf[T any]() Schema {
	return api.SchemaOf[T]()
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewEngine returns the in-process state-machine engine.
func NewEngine(opts EngineOptions) *DefaultExecutionEngine {
	return engine.New(opts)
}

// NewEngineFromConfig builds an engine from cfg. The engine logs through a
// JSON slog handler at cfg.LogLevel; obs may be nil.
func NewEngineFromConfig(cfg *config.Config, obs Observer) (*DefaultExecutionEngine, error) {
	logger, err := loggerFor(cfg)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		Observer:          obs,
		Logger:            logger,
		MaxLoopIterations: cfg.Engine.MaxLoopIterations,
		StepTimeout:       cfg.Engine.StepTimeout,
	}), nil
}

func loggerFor(cfg *config.Config) (*slog.Logger, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return log.New(level), nil
}

// Store constructors

// NewInMemoryRunStore returns a RunStore that lives as long as the process.
func NewInMemoryRunStore() RunStore {
	return persistence.NewInMemoryRunStore()
}

// NewSQLiteRunStore persists runs in a SQLite database (modernc.org/sqlite,
// driver name "sqlite").
func NewSQLiteRunStore(db *sql.DB) (RunStore, error) {
	return persistence.NewSQLiteRunStore(db)
}

// NewPostgresRunStore persists runs in PostgreSQL (pgx stdlib, driver
// name "pgx").
func NewPostgresRunStore(db *sql.DB) (RunStore, error) {
	return persistence.NewPostgresRunStore(db)
}

// NewRedisRunStore persists runs in Redis under keys prefixed with prefix.
func NewRedisRunStore(client redis.UniversalClient, prefix string) RunStore {
	return persistence.NewRedisRunStore(client, prefix)
}

// NewMongoRunStore persists runs in a MongoDB collection.
func NewMongoRunStore(client *mongo.Client, dbName, collName string) RunStore {
	return persistence.NewMongoRunStore(client, dbName, collName)
}

// OpenBlobRunStore persists runs in the bucket at bucketURL (file://, mem://,
// s3://, gs:// or azblob://).
func OpenBlobRunStore(ctx context.Context, bucketURL, prefix string) (*persistence.BlobRunStore, error) {
	return persistence.OpenBlobRunStore(ctx, bucketURL, prefix)
}

// NewInMemoryEventStore returns an event store for EventObserver.
func NewInMemoryEventStore() *persistence.InMemoryEventStore {
	return persistence.NewInMemoryEventStore()
}

// NewSQLiteEventStore returns an event store writing to the run_events
// table of db.
func NewSQLiteEventStore(db *sql.DB) (*persistence.SQLiteEventStore, error) {
	return persistence.NewSQLiteEventStore(db)
}

// RegisterType makes a concrete type usable as step output, run input or
// suspend payload in persistent stores. Call it once per type, at init.
func RegisterType(v any) {
	persistence.RegisterType(v)
}

// OpenRunStore opens the store selected by cfg. The returned close
// function releases the connection the store owns.
func OpenRunStore(ctx context.Context, cfg config.StoreConfig) (RunStore, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	noop := func() error { return nil }

	switch cfg.Driver {
	case config.DriverMemory:
		return persistence.NewInMemoryRunStore(), noop, nil

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		s, err := persistence.NewSQLiteRunStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil

	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		s, err := persistence.NewPostgresRunStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress(),
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return persistence.NewRedisRunStore(client, cfg.Prefix), client.Close, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() error { return client.Disconnect(context.Background()) }
		return persistence.NewMongoRunStore(client, cfg.Database, cfg.Collection), closeFn, nil

	case config.DriverBlob:
		s, err := persistence.OpenBlobRunStore(ctx, cfg.BucketURL, cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownStoreDriver, cfg.Driver)
}

// NewRegistryFromConfig opens the configured store, builds the engine and
// returns a Registry bound to both. Call the close function on shutdown.
func NewRegistryFromConfig(ctx context.Context, cfg *config.Config, obs Observer) (*Registry, func() error, error) {
	eng, err := NewEngineFromConfig(cfg, obs)
	if err != nil {
		return nil, nil, err
	}
	store, closeFn, err := OpenRunStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return NewRegistry(WithRegistryEngine(eng), WithRegistryStore(store)), closeFn, nil
}
