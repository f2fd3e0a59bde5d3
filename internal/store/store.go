package store

import (
	"context"
	"time"

	"github.com/beemflow/flow/pkg/schema"
)

// Store is the Persistence Gateway the Run Orchestrator calls to
// record run/step lifecycle events and store suspended-run state
// (spec.md §4.6). Every implementation must be safe for concurrent
// use — it is shared across concurrently executing runs.
type Store interface {
	CreateRun(ctx context.Context, run *schema.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status schema.RunStatus, endedAt *time.Time) error
	GetRun(ctx context.Context, runID string) (*schema.Run, error)

	// GetLatestSucceededRun returns the most recently ended run named
	// flowName with status Succeeded, or (nil, nil) if there isn't
	// one yet. Backs the `runs.previous` template scope (spec.md §4.1).
	GetLatestSucceededRun(ctx context.Context, flowName string) (*schema.Run, error)

	CreateStep(ctx context.Context, step *schema.StepExecution) error
	UpdateStep(ctx context.Context, step *schema.StepExecution) error
	ListSteps(ctx context.Context, runID string) ([]*schema.StepExecution, error)

	SavePausedRun(ctx context.Context, token schema.WaitToken, state PausedRunState) error
	LoadPausedRun(ctx context.Context, token schema.WaitToken) (PausedRunState, error)
	DeletePausedRun(ctx context.Context, token schema.WaitToken) error

	SaveWait(ctx context.Context, wait WaitRecord) error
	ListWaitsDue(ctx context.Context, nowEpochMS int64) ([]WaitRecord, error)
	DeleteWait(ctx context.Context, token schema.WaitToken) error

	SaveFlow(ctx context.Context, name string, content []byte) error
	LoadFlow(ctx context.Context, name string) ([]byte, error)
	ListFlows(ctx context.Context) ([]string, error)

	SaveFlowVersion(ctx context.Context, name, version string, content []byte) error
	SetDeployedVersion(ctx context.Context, name, version string) error
	GetDeployed(ctx context.Context, name string) (FlowVersion, error)

	// Secret operations back internal/secrets.AESVault's SecretStore,
	// giving the `secrets` template namespace (spec.md §4.1) a durable
	// home in the same database as everything else.
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	Migrate(ctx context.Context) error
	Close() error
}
