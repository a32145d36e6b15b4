package engine

import (
	"context"
	"database/sql"
	"math/rand"
	"sync"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

// Engine coordinates sampling, allocation and callback creation over a
// single SQLite workspace. All mutations run inside transactions; audit
// events are appended in the same transaction as the change they record.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Rand   *rand.Rand

	// SyncJobs makes StartRun execute the run body inline instead of in a
	// goroutine. The CLI and tests set it; the server leaves it false.
	SyncJobs bool

	allocMu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	now := time.Now
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Config: cfg,
		Now:    now,
		Rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// activeConfig prefers the persisted config record, falling back to the
// config the engine was constructed with.
func (e *Engine) activeConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := e.Repo.GetConfig(ctx)
	if err == repo.ErrNotFound {
		if e.Config != nil {
			return e.Config, nil
		}
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *Engine) beginTx(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}
