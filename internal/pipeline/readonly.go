package pipeline

import (
	"context"
	"errors"

	"github.com/nuetzliches/claimq/internal/storage"
)

// ErrReadOnly rejects writes while the service is in maintenance mode.
var ErrReadOnly = errors.New("storage is read-only")

// ReadOnly returns stages that reject every mutating call. Reads and
// claim lookups pass through.
func ReadOnly() Stages {
	return Stages{
		Queue:   []any{readOnlyQueues{}},
		Message: []any{readOnlyMessages{}},
		Claim:   []any{readOnlyClaims{}},
	}
}

type readOnlyQueues struct{}

func (readOnlyQueues) Create(context.Context, string, string, storage.Metadata) (bool, error) {
	return false, ErrReadOnly
}

func (readOnlyQueues) SetMetadata(context.Context, string, string, storage.Metadata) error {
	return ErrReadOnly
}

func (readOnlyQueues) Delete(context.Context, string, string) error { return ErrReadOnly }

type readOnlyMessages struct{}

func (readOnlyMessages) Post(context.Context, string, string, []storage.MessageSpec, string) ([]string, error) {
	return nil, ErrReadOnly
}

func (readOnlyMessages) Delete(context.Context, string, string, string, string) error {
	return ErrReadOnly
}

func (readOnlyMessages) BulkDelete(context.Context, string, string, []string) error {
	return ErrReadOnly
}

type readOnlyClaims struct{}

func (readOnlyClaims) Create(context.Context, string, string, storage.ClaimOptions, int) (string, []storage.Message, error) {
	return "", nil, ErrReadOnly
}

func (readOnlyClaims) Update(context.Context, string, string, string, storage.ClaimOptions) error {
	return ErrReadOnly
}

func (readOnlyClaims) Delete(context.Context, string, string, string) error { return ErrReadOnly }
