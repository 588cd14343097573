package ats_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"talentpool/registry-service/internal/ats"
	"talentpool/registry-service/internal/registry"
)

type fakeRow func(dest ...any) error

func (f fakeRow) Scan(dest ...any) error { return f(dest...) }

// emptyDB is an ats.Querier over no rows at all.
type emptyDB struct{}

func (emptyDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow(func(...any) error { return pgx.ErrNoRows })
}

func (emptyDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("no rows")
}

func (emptyDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func TestJobStoreGet_MissingJobIsNotFound(t *testing.T) {
	jobs := ats.NewJobStore(emptyDB{}, nil)
	_, err := jobs.Get(context.Background(), 99)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestJobStoreSweepStale_NothingRunning(t *testing.T) {
	jobs := ats.NewJobStore(emptyDB{}, nil)
	swept, err := jobs.SweepStale(context.Background(), 0)
	if err != nil {
		t.Fatalf("SweepStale returned unexpected error: %v", err)
	}
	if swept != 0 {
		t.Errorf("swept = %d, want 0", swept)
	}
}
