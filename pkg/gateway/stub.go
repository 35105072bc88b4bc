package gateway

import (
	"context"
	"fmt"

	"github.com/velar-health/velar/pkg/models"
)

// Stub stands in for a provider type the gateway does not implement.
// Every call fails with ErrNotImplemented, so a misconfigured provider
// is diagnosable from the error instead of failing startup.
type Stub struct {
	name string
}

func NewStub(name string) *Stub {
	return &Stub{name: name}
}

func (s *Stub) Name() string { return s.name }

func (s *Stub) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	return nil, fmt.Errorf("provider %q: %w", s.name, ErrNotImplemented)
}

func (s *Stub) Stream(ctx context.Context, req *models.GenerateRequest) error {
	return ErrStreamingUnsupported
}
