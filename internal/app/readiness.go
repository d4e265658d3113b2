// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"fmt"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// brokerPing is the minimal broker surface readiness needs: listing opened
// profiles is a harmless, side-effect-free RPC that exercises the same path
// the dispatcher and runner depend on.
type brokerPing interface {
	ListOpenedProfiles(ctx domain.Context) ([]domain.OpenedProfile, error)
}

// BuildReadinessChecks returns two readiness checks: db and broker.
func BuildReadinessChecks(pool Pinger, broker brokerPing) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	brokerCheck := func(ctx context.Context) error {
		if broker == nil {
			return fmt.Errorf("broker not configured")
		}
		_, err := broker.ListOpenedProfiles(ctx)
		return err
	}
	return dbCheck, brokerCheck
}
