// Package seed loads demo data at startup in dependency order.
package seed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrCycle indicates seeders depend on each other in a loop.
	ErrCycle = errors.New("seed: circular dependency")
	// ErrMissingDependency indicates a seeder depends on an unregistered name.
	ErrMissingDependency = errors.New("seed: missing dependency")
	// ErrDuplicate indicates two seeders share a name.
	ErrDuplicate = errors.New("seed: duplicate seeder")
)

// Seeder populates one slice of demo data.
type Seeder interface {
	Name() string
	DependsOn() []string
	Seed(ctx context.Context) error
}

// Order returns seeders so that every seeder follows its dependencies.
// Independent seeders are ordered by name.
func Order(seeders []Seeder) ([]Seeder, error) {
	byName := make(map[string]Seeder, len(seeders))
	names := make([]string, 0, len(seeders))
	for _, seeder := range seeders {
		name := seeder.Name()
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
		}
		byName[name] = seeder
		names = append(names, name)
	}
	sort.Strings(names)

	visited := make(map[string]bool, len(names))
	onPath := make(map[string]bool, len(names))
	ordered := make([]Seeder, 0, len(names))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		visited[name] = true
		onPath[name] = true
		path = append(path, name)

		dependencies := append([]string(nil), byName[name].DependsOn()...)
		sort.Strings(dependencies)
		for _, dependency := range dependencies {
			if _, ok := byName[dependency]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrMissingDependency, name, dependency)
			}
			if onPath[dependency] {
				return fmt.Errorf("%w: %s", ErrCycle, strings.Join(append(path, dependency), " -> "))
			}
			if !visited[dependency] {
				if err := visit(dependency, path); err != nil {
					return err
				}
			}
		}

		onPath[name] = false
		ordered = append(ordered, byName[name])
		return nil
	}

	for _, name := range names {
		if visited[name] {
			continue
		}
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// Run orders seeders and executes them, stopping at the first failure.
func Run(ctx context.Context, seeders []Seeder, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ordered, err := Order(seeders)
	if err != nil {
		return err
	}
	logger.Info("starting data seeding", zap.Int("seeders", len(ordered)))
	for index, seeder := range ordered {
		logger.Info("running seeder", zap.Int("position", index+1), zap.String("seeder", seeder.Name()))
		if err := seeder.Seed(ctx); err != nil {
			return fmt.Errorf("seed %s: %w", seeder.Name(), err)
		}
	}
	logger.Info("data seeding completed")
	return nil
}
