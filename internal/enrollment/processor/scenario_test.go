package processor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrolld/internal/enrollment/agegroup"
	"enrolld/internal/enrollment/models"
	"enrolld/internal/enrollment/store"
	"enrolld/internal/enrollment/store/memory"
	"enrolld/pkg/platform/sentinel"
	"enrolld/pkg/testutil"
)

// flakyStore fails every call with ErrUnavailable while down is set.
type flakyStore struct {
	store.Store
	down atomic.Bool
}

func (f *flakyStore) fail(op string) error {
	if f.down.Load() {
		return fmt.Errorf("%s: connection refused: %w", op, sentinel.ErrUnavailable)
	}
	return nil
}

func (f *flakyStore) Create(ctx context.Context, rec *models.Enrollment) error {
	if err := f.fail("create"); err != nil {
		return err
	}
	return f.Store.Create(ctx, rec)
}

func (f *flakyStore) FindByIdentityNumber(ctx context.Context, identityNumber string) (*models.Enrollment, error) {
	if err := f.fail("find"); err != nil {
		return nil, err
	}
	return f.Store.FindByIdentityNumber(ctx, identityNumber)
}

func (f *flakyStore) Update(ctx context.Context, rec *models.Enrollment) error {
	if err := f.fail("update"); err != nil {
		return err
	}
	return f.Store.Update(ctx, rec)
}

func TestStoreOutageScenario(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	flaky := &flakyStore{Store: backing}
	proc := New(flaky, agegroup.Default(),
		WithClock(func() time.Time { return refTime }),
		WithLogger(discardLogger()),
	)
	body := payload(t, createMsg("m-1"))

	testutil.Given(t, "the store connection is down", func(t *testing.T) {
		flaky.down.Store(true)

		testutil.When(t, "a create is processed", func(t *testing.T) {
			out := proc.Process(ctx, body, Attempt{})

			testutil.Then(t, "it is retryable without consuming the ordering budget", func(t *testing.T) {
				assert.Equal(t, Retryable, out.Kind)
				assert.Equal(t, ReasonStoreUnavailable, out.Reason)
				assert.False(t, out.CountsAgainstBudget())
			})
		})
	})

	testutil.Given(t, "connectivity is restored", func(t *testing.T) {
		flaky.down.Store(false)

		testutil.When(t, "the same message is redelivered", func(t *testing.T) {
			out := proc.Process(ctx, body, Attempt{})

			testutil.Then(t, "it is applied exactly once", func(t *testing.T) {
				assert.Equal(t, Applied, out.Kind)
				n, err := backing.Count(ctx, models.Filter{})
				require.NoError(t, err)
				assert.Equal(t, 1, n)
			})
		})
	})
}

// TestIdempotenceOverSequences replays every prefix of a message sequence and
// checks the final state equals a single application.
func TestIdempotenceOverSequences(t *testing.T) {
	activate := updateMsg("u-2")
	activate.Status = models.StatusActive
	sequence := []models.Message{createMsg("c-1"), updateMsg("u-1"), activate, cancelMsg("x-1")}

	run := func(t *testing.T, replay bool) *models.Enrollment {
		ctx := context.Background()
		st := memory.New(memory.WithClock(func() time.Time { return refTime }))
		proc := New(st, nil, WithClock(func() time.Time { return refTime }), WithLogger(discardLogger()))
		for i, msg := range sequence {
			out := proc.Process(ctx, payload(t, msg), Attempt{})
			require.Equal(t, Applied, out.Kind, "message %s", msg.MessageID)
			if replay {
				for _, earlier := range sequence[:i+1] {
					again := proc.Process(ctx, payload(t, earlier), Attempt{})
					require.Equal(t, Applied, again.Kind, "replay %s", earlier.MessageID)
				}
			}
		}
		rec, err := st.FindByIdentityNumber(ctx, "11144477735")
		require.NoError(t, err)
		return rec
	}

	once := run(t, false)
	replayed := run(t, true)
	once.ID, replayed.ID = "", ""
	assert.Equal(t, once, replayed)
	assert.Equal(t, models.StatusCancelled, replayed.Status)
}
