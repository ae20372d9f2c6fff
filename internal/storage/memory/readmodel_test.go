package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel/storetest"
)

func TestReadModels(t *testing.T) {
	storetest.Run(t, func(*testing.T) readmodel.Repository {
		return NewReadModels()
	})
}

func TestReadModels_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewReadModels()
	_, err := s.Insert(ctx, storetest.Row(1, 7, "1.00", time.Now()))
	require.NoError(t, err)

	row, err := s.Get(ctx, 1)
	require.NoError(t, err)
	row.Status = order.StatusCancelled

	row, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, row.Status)
}
