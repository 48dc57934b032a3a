package ingestion

import (
	"context"
	"fmt"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
)

const streamChannelSize = 1024

type ISetup interface {
	build(ctx context.Context) (*environment, error)
}

// environment holds everything one import invocation owns.
type environment struct {
	pool      *Pool
	validCh   chan *models.SalesRecord
	invalidCh chan *models.InvalidRow
}

type Setup struct {
	PoolSize  int
	QueueSize int
}

// Instantiate the pool and channels used by a single import.
// Kept in its own struct to be able to leverage DI for testing
func (s Setup) build(ctx context.Context) (*environment, error) {
	if s.PoolSize <= 0 {
		return nil, fmt.Errorf("invalid pool size %d", s.PoolSize)
	}
	queueSize := s.QueueSize
	if queueSize <= 0 {
		queueSize = 2 * s.PoolSize
	}

	return &environment{
		pool:      NewPool(ctx, s.PoolSize, queueSize),
		validCh:   make(chan *models.SalesRecord, streamChannelSize),
		invalidCh: make(chan *models.InvalidRow, streamChannelSize),
	}, nil
}
