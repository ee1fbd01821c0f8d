package registry

import (
	"context"
	"regexp"

	"github.com/sqew/sqew/internal/apperr"
	"github.com/sqew/sqew/internal/clock"
)

// nameRe enforces spec.md §3: "non-empty, printable, <=128 chars".
// Printable ASCII excludes control characters and whitespace that
// would make queue names awkward to use in URL paths and CLI args.
var nameRe = regexp.MustCompile(`^[\x21-\x7e]{1,128}$`)

// Service implements queue-registry operations with the validation
// spec.md §4.1 requires to happen here, not in storage.
type Service struct {
	store *Store
	clock clock.Clock
}

// NewService creates a registry Service.
func NewService(store *Store, c clock.Clock) *Service {
	return &Service{store: store, clock: c}
}

// Create validates and creates a new queue, applying defaults for
// omitted max_attempts/visibility_ms (spec.md §3).
func (s *Service) Create(ctx context.Context, name string, maxAttempts, visibilityMs *int) (Queue, error) {
	if !nameRe.MatchString(name) {
		return Queue{}, apperr.New(apperr.InvalidArg, "queue name must be 1-128 printable, non-whitespace characters")
	}

	ma := 5
	if maxAttempts != nil {
		ma = *maxAttempts
	}
	if ma < 1 {
		return Queue{}, apperr.New(apperr.InvalidArg, "max_attempts must be >= 1")
	}

	vis := 30000
	if visibilityMs != nil {
		vis = *visibilityMs
	}
	if vis < 1 {
		return Queue{}, apperr.New(apperr.InvalidArg, "visibility_ms must be >= 1")
	}

	return s.store.Create(ctx, name, ma, vis, s.clock.NowMs())
}

// List returns all queues.
func (s *Service) List(ctx context.Context) ([]Queue, error) {
	return s.store.List(ctx)
}

// Get returns a queue by name.
func (s *Service) Get(ctx context.Context, name string) (Queue, error) {
	if !nameRe.MatchString(name) {
		return Queue{}, apperr.New(apperr.InvalidArg, "invalid queue name")
	}
	return s.store.Get(ctx, name)
}

// GetByID returns a queue by id, used to resolve dlq_id targets and
// label metrics that only have a queue_id on hand.
func (s *Service) GetByID(ctx context.Context, id int64) (Queue, error) {
	return s.store.GetByID(ctx, id)
}

// Delete removes a queue and cascades to its messages.
func (s *Service) Delete(ctx context.Context, name string) error {
	return s.store.Delete(ctx, name)
}

// Purge deletes all messages in a queue, returning the count removed.
func (s *Service) Purge(ctx context.Context, name string) (int64, error) {
	return s.store.Purge(ctx, name)
}

// Compact triggers advisory storage compaction for a queue.
func (s *Service) Compact(ctx context.Context, name string) error {
	return s.store.Compact(ctx, name)
}

// Stats returns the current ready/leased/total counts for a queue.
func (s *Service) Stats(ctx context.Context, name string) (Stats, error) {
	return s.store.Stats(ctx, name, s.clock.NowMs())
}

// ValidationError is a convenience constructor used by callers that
// need a quick InvalidArg without going through Create/Get.
func ValidationError(detail string) error {
	return apperr.New(apperr.InvalidArg, detail)
}
