// Package tiered provides a Hot/Cold tiered storage adapter that fronts a
// durable store (Cold, the source of truth) with a fast cache store (Hot).
//
// Strategies per operation:
//   - Read-Through: GetSubscription (Hot → Cold → populate Hot)
//   - Cold-Only reads: ListByUser, since Hot may hold a partial set
//   - Write-Through: SaveSubscription, DeleteByUser (Cold, then Hot)
//
// Every compare-and-swap is decided by Cold. Hot is refreshed after each
// Cold commit, synchronously or on a background worker, and never regresses
// to a lower version.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory)
	Hot billsync.Store

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold billsync.Store

	// AsyncCacheFill refreshes Hot on a background worker after a Cold
	// commit. If false, Hot is refreshed before SaveSubscription returns.
	AsyncCacheFill bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot refresh fails.
	// Essential for monitoring cache drift.
	AsyncErrorHandler func(error)
}

// Storage implements billsync.Store and billsync.AuditLogger on top of two stores.
type Storage struct {
	hot  billsync.Store
	cold billsync.Store
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncCacheFill {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncCacheFill {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background refresh loop.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetSubscription implements billsync.Store with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*billsync.Subscription, error) {
	// 1. Try Hot
	sub, err := s.hot.GetSubscription(ctx, subscriptionID)
	if err == nil {
		return sub, nil
	}

	// 2. Try Cold (Source of Truth)
	sub, err = s.cold.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	if err := s.fill(ctx, sub); err != nil {
		s.reportError(fmt.Errorf("tiered storage: cache fill failed: %w", err))
	}
	return sub, nil
}

// ListByUser implements billsync.Store. Always served by Cold.
func (s *Storage) ListByUser(ctx context.Context, userID string) ([]*billsync.Subscription, error) {
	return s.cold.ListByUser(ctx, userID)
}

// --- Strategy: Write-Through (Cold → Hot) ---

// SaveSubscription implements billsync.Store. Cold decides the
// compare-and-swap; on a lost race Hot is refreshed from Cold so that the
// caller's retry reads the winning version.
func (s *Storage) SaveSubscription(ctx context.Context, sub *billsync.Subscription, expectedVersion int64) error {
	err := s.cold.SaveSubscription(ctx, sub, expectedVersion)
	switch {
	case err == nil:
		s.refresh(ctx, sub.Clone())
		return nil
	case errors.Is(err, billsync.ErrVersionConflict), errors.Is(err, billsync.ErrAlreadyExists):
		if latest, getErr := s.cold.GetSubscription(ctx, sub.ProviderSubscriptionID); getErr == nil {
			if fillErr := s.fill(ctx, latest); fillErr != nil {
				s.reportError(fmt.Errorf("tiered storage: cache repair failed: %w", fillErr))
			}
		}
		return err
	default:
		return err
	}
}

// DeleteByUser implements billsync.Store with write-through strategy.
func (s *Storage) DeleteByUser(ctx context.Context, userID string) (int, error) {
	n, err := s.cold.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if _, err := s.hot.DeleteByUser(ctx, userID); err != nil {
		// A stale Hot entry would resurrect deleted records on read.
		return n, fmt.Errorf("tiered storage: cold deleted but hot delete failed: %w", err)
	}
	return n, nil
}

func (s *Storage) refresh(ctx context.Context, sub *billsync.Subscription) {
	if !s.conf.AsyncCacheFill {
		if err := s.fill(ctx, sub); err != nil {
			s.reportError(fmt.Errorf("tiered storage: cache fill failed: %w", err))
		}
		return
	}

	select {
	case s.syncQueue <- func() error {
		// Context background ensures completion even if request cancels
		return s.fill(context.Background(), sub)
	}:
	default:
		s.reportError(errors.New("tiered storage: sync queue full, dropping cache fill"))
	}
}

// fill writes sub to Hot unless Hot already holds the same or a newer version.
func (s *Storage) fill(ctx context.Context, sub *billsync.Subscription) error {
	cached, err := s.hot.GetSubscription(ctx, sub.ProviderSubscriptionID)
	var expected int64
	switch {
	case err == nil:
		if cached.Version >= sub.Version {
			return nil
		}
		expected = cached.Version
	case errors.Is(err, billsync.ErrNotFound):
	default:
		return err
	}
	return s.hot.SaveSubscription(ctx, sub, expected)
}

// --- Audit: Cold-Only ---

// LogAuditEntry implements billsync.AuditLogger. Entries go to Cold when it
// supports auditing, otherwise to Hot.
func (s *Storage) LogAuditEntry(ctx context.Context, entry *billsync.AuditLogEntry) error {
	if a := s.auditLogger(); a != nil {
		return a.LogAuditEntry(ctx, entry)
	}
	return nil
}

// GetAuditLogs implements billsync.AuditLogger
func (s *Storage) GetAuditLogs(ctx context.Context, filter billsync.AuditLogFilter) ([]*billsync.AuditLogEntry, error) {
	if a := s.auditLogger(); a != nil {
		return a.GetAuditLogs(ctx, filter)
	}
	return nil, nil
}

func (s *Storage) auditLogger() billsync.AuditLogger {
	if a, ok := s.cold.(billsync.AuditLogger); ok {
		return a
	}
	if a, ok := s.hot.(billsync.AuditLogger); ok {
		return a
	}
	return nil
}
