package template

import "context"

// =============================================================================
// STORE - Persistence for templates, history, calculations and bulk jobs
// =============================================================================

// Store persists template data. Get methods return (nil, nil) when the row
// does not exist.
//
// Implementations:
//   - store/memory: in-memory, snapshot rollback
//   - store/sqlite: SQLite
type Store interface {
	CreateTemplate(ctx context.Context, t Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context, orgID string) ([]Template, error)

	// ListActive returns active templates across every org.
	ListActive(ctx context.Context) ([]Template, error)

	// FindActive returns the active template for (orgID, name), if any.
	FindActive(ctx context.Context, orgID, name string) (*Template, error)

	// UpdateTemplate replaces the stored template if its version equals
	// expectedVersion. A mismatch returns *rate.ConflictError; a missing
	// row returns *rate.NotFoundError.
	UpdateTemplate(ctx context.Context, t Template, expectedVersion int) error

	// History is append-only. ListHistory orders by version.
	AppendHistory(ctx context.Context, h History) error
	ListHistory(ctx context.Context, templateID string) ([]History, error)
	// RecentHistory returns an org's newest rows first.
	RecentHistory(ctx context.Context, orgID string, limit int) ([]History, error)

	SaveCalculation(ctx context.Context, c Calculation) error
	LatestCalculation(ctx context.Context, templateID string) (*Calculation, error)

	// SaveBulk inserts or replaces a bulk job.
	SaveBulk(ctx context.Context, b BulkCalculation) error
	GetBulk(ctx context.Context, id string) (*BulkCalculation, error)
	// ListBulk returns an org's jobs newest first.
	ListBulk(ctx context.Context, orgID string) ([]BulkCalculation, error)
	// BulkReferences returns the ids of jobs that include templateID.
	BulkReferences(ctx context.Context, templateID string) ([]string, error)

	// WithTx runs fn atomically. fn must use the Store it is given.
	WithTx(ctx context.Context, fn func(Store) error) error
}
