package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/store"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// RunUpdate is the atomic write a transition produces: the run's new state
// plus an optional stage-log entry, committed together.
type RunUpdate struct {
	State postgres.UpdateRunStateParams
	Log   *postgres.AppendStageLogParams
}

// RunStore persists pipeline runs for the state machine. Mutate must be
// atomic and serialized per run: load the run with exclusive access, call fn,
// and commit the returned update and log entry in one transaction. An error
// from fn aborts the mutation with no state change.
type RunStore interface {
	Get(ctx context.Context, id uuid.UUID) (postgres.PipelineRun, error)
	Mutate(ctx context.Context, id uuid.UUID, fn func(run postgres.PipelineRun) (RunUpdate, error)) (postgres.PipelineRun, error)
}

// dbRunStore backs RunStore with PostgreSQL. Serialization is two-layer: a
// per-run mutex within the process plus SELECT ... FOR UPDATE across
// processes, so two completion callbacks can never race on one run's status.
type dbRunStore struct {
	store *store.Store
	locks sync.Map // uuid.UUID -> *sync.Mutex
}

func NewRunStore(s *store.Store) RunStore {
	return &dbRunStore{store: s}
}

func (rs *dbRunStore) Get(ctx context.Context, id uuid.UUID) (postgres.PipelineRun, error) {
	return rs.store.GetRun(ctx, id)
}

func (rs *dbRunStore) Mutate(ctx context.Context, id uuid.UUID, fn func(run postgres.PipelineRun) (RunUpdate, error)) (postgres.PipelineRun, error) {
	mu := rs.runLock(id)
	mu.Lock()
	defer mu.Unlock()

	var updated postgres.PipelineRun
	err := rs.store.WithTx(ctx, func(q *postgres.Queries) error {
		run, err := q.GetRunForUpdate(ctx, id)
		if err != nil {
			return err
		}

		upd, err := fn(run)
		if err != nil {
			return err
		}

		updated, err = q.UpdateRunState(ctx, upd.State)
		if err != nil {
			return err
		}
		if upd.Log != nil {
			if _, err := q.AppendStageLog(ctx, *upd.Log); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return postgres.PipelineRun{}, err
	}
	return updated, nil
}

func (rs *dbRunStore) runLock(id uuid.UUID) *sync.Mutex {
	if mu, ok := rs.locks.Load(id); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := rs.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
