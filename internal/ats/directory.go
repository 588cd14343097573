package ats

import (
	"context"

	"talentpool/registry-service/internal/registry"
	"talentpool/registry-service/internal/source"
)

// Directory is the slice of the person registry and source ledger the sync
// engine needs. Matching is attempted by ATS candidate ID first, then by
// identity key; unmatched candidates get a pending person record.
type Directory interface {
	FindPersonByATSCandidateID(ctx context.Context, candidateID string) (int64, error)
	FindPersonByIdentityKey(ctx context.Context, key string) (int64, error)
	CreatePendingPerson(ctx context.Context, key string) (int64, error)

	EnsureATSSource(ctx context.Context) (int64, error)
	HasMembership(ctx context.Context, personID, sourceID int64) (bool, error)
	AddMembership(ctx context.Context, personID, sourceID int64, identityRef string, metadata map[string]any) error
	UpdateMembership(ctx context.Context, personID, sourceID int64, identityRef string, metadata map[string]any) error
}

type directory struct {
	people *registry.Registry
	ledger *source.Ledger
}

// NewDirectory wires the registry and ledger into the engine's Directory.
func NewDirectory(people *registry.Registry, ledger *source.Ledger) Directory {
	return &directory{people: people, ledger: ledger}
}

func (d *directory) FindPersonByATSCandidateID(ctx context.Context, candidateID string) (int64, error) {
	return d.ledger.FindPersonByATSCandidateID(ctx, candidateID)
}

func (d *directory) FindPersonByIdentityKey(ctx context.Context, key string) (int64, error) {
	person, err := d.people.FindByIdentityKey(ctx, key)
	if err != nil {
		return 0, err
	}
	return person.ID, nil
}

func (d *directory) CreatePendingPerson(ctx context.Context, key string) (int64, error) {
	person, err := d.people.CreatePending(ctx, key)
	if err != nil {
		return 0, err
	}
	return person.ID, nil
}

func (d *directory) EnsureATSSource(ctx context.Context) (int64, error) {
	return d.ledger.EnsureATS(ctx)
}

func (d *directory) HasMembership(ctx context.Context, personID, sourceID int64) (bool, error) {
	return d.ledger.HasMembership(ctx, personID, sourceID)
}

func (d *directory) AddMembership(ctx context.Context, personID, sourceID int64, identityRef string, metadata map[string]any) error {
	_, err := d.ledger.AddMembership(ctx, personID, sourceID, identityRef, metadata)
	return err
}

func (d *directory) UpdateMembership(ctx context.Context, personID, sourceID int64, identityRef string, metadata map[string]any) error {
	return d.ledger.UpdateMembership(ctx, personID, sourceID, identityRef, metadata)
}
