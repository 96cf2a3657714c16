package inventory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory Repository with the same all-or-nothing conditional
// semantics the SQL implementation provides.
type memRepo struct {
	mu    sync.Mutex
	stock map[int64]int // productID -> available
}

func newMemRepo(stock map[int64]int) *memRepo {
	return &memRepo{stock: stock}
}

func (r *memRepo) Reserve(_ context.Context, lines []Line) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range lines {
		if r.stock[l.ProductID] < l.Quantity {
			return &InsufficientStockError{ProductID: l.ProductID, Requested: l.Quantity}
		}
	}
	for _, l := range lines {
		r.stock[l.ProductID] -= l.Quantity
	}
	return nil
}

func (r *memRepo) Release(_ context.Context, lines []Line) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range lines {
		r.stock[l.ProductID] += l.Quantity
	}
	return nil
}

func (r *memRepo) available(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stock[id]
}

func TestReserve_AllOrNothing(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 10, 2: 1})
	svc := NewService(repo)

	err := svc.Reserve(context.Background(), []Line{
		{ProductID: 1, Quantity: 5},
		{ProductID: 2, Quantity: 3},
	})

	var ins *InsufficientStockError
	require.ErrorAs(t, err, &ins)
	assert.EqualValues(t, 2, ins.ProductID)
	// Product 1 must not be partially reserved.
	assert.Equal(t, 10, repo.available(1))
}

func TestReserve_MergesDuplicateLines(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 5})
	svc := NewService(repo)

	// 3 + 3 merged into 6 must fail against stock of 5, even though each
	// line alone would pass.
	err := svc.Reserve(context.Background(), []Line{
		{ProductID: 1, Quantity: 3},
		{ProductID: 1, Quantity: 3},
	})

	var ins *InsufficientStockError
	require.ErrorAs(t, err, &ins)
	assert.Equal(t, 5, repo.available(1))
}

func TestReserve_InvalidInput(t *testing.T) {
	svc := NewService(newMemRepo(map[int64]int{1: 5}))

	require.ErrorIs(t, svc.Reserve(context.Background(), nil), ErrNoLines)
	require.Error(t, svc.Reserve(context.Background(), []Line{{ProductID: 1, Quantity: 0}}))
}

func TestReleaseRestoresStock(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 10})
	svc := NewService(repo)

	lines := []Line{{ProductID: 1, Quantity: 4}}
	require.NoError(t, svc.Reserve(context.Background(), lines))
	assert.Equal(t, 6, repo.available(1))

	require.NoError(t, svc.Release(context.Background(), lines))
	assert.Equal(t, 10, repo.available(1))
}

// TestReserve_NoOverselling drives many concurrent reservations against a
// small stock and verifies the sum of successful reservations never exceeds
// the initial stock.
func TestReserve_NoOverselling(t *testing.T) {
	const (
		initialStock = 50
		goroutines   = 200
		perReserve   = 1
	)

	repo := newMemRepo(map[int64]int{1: initialStock})
	svc := NewService(repo)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	start := make(chan struct{})

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := svc.Reserve(context.Background(), []Line{{ProductID: 1, Quantity: perReserve}})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, initialStock, succeeded*perReserve)
	assert.Equal(t, 0, repo.available(1))
}
