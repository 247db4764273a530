package store

import (
	"context"
)

// Driver is the database backend behind a Store.
type Driver interface {
	Close() error

	IsInitialized(ctx context.Context) (bool, error)
	ListPhysiologyEvents(ctx context.Context, find *FindPhysiologyEvent) ([]*PhysiologyEvent, error)
}

// Store provides read access to captured physiology rows.
type Store struct {
	driver Driver
}

// New creates a new instance of Store.
func New(driver Driver) *Store {
	return &Store{
		driver: driver,
	}
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) IsInitialized(ctx context.Context) (bool, error) {
	return s.driver.IsInitialized(ctx)
}

// ListPhysiologyEvents returns the rows matching find, oldest first.
func (s *Store) ListPhysiologyEvents(ctx context.Context, find *FindPhysiologyEvent) ([]*PhysiologyEvent, error) {
	return s.driver.ListPhysiologyEvents(ctx, find)
}
