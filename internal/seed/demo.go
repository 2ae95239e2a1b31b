package seed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/timeweaver/internal/projects"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/rooms"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/users"
)

const (
	SeederAccounts    = "accounts"
	SeederMemberships = "memberships"
	SeederEvents      = "events"

	// DemoProjectID is the project populated by the demo seeders.
	DemoProjectID int64 = 1
)

var demoAccounts = []users.Account{
	{Username: "admin", DisplayName: "Administrator", Email: "admin@timeweaver.local"},
	{Username: "alice", DisplayName: "Alice", Email: "alice@timeweaver.local"},
	{Username: "bob", DisplayName: "Bob", Email: "bob@timeweaver.local"},
}

// DemoConfig wires the demo seeders to their stores.
type DemoConfig struct {
	Accounts    *users.Service
	Memberships *projects.Service
	Events      rooms.EventStore
}

// Demo returns the demo seeders: accounts, then memberships, then events.
func Demo(cfg DemoConfig) []Seeder {
	return []Seeder{
		&eventSeeder{events: cfg.Events},
		&membershipSeeder{memberships: cfg.Memberships},
		&accountSeeder{accounts: cfg.Accounts},
	}
}

type accountSeeder struct {
	accounts *users.Service
}

func (s *accountSeeder) Name() string        { return SeederAccounts }
func (s *accountSeeder) DependsOn() []string { return nil }

func (s *accountSeeder) Seed(ctx context.Context) error {
	for _, account := range demoAccounts {
		if _, err := s.accounts.Ensure(ctx, account.Username, account.DisplayName, account.Email); err != nil {
			return err
		}
	}
	return nil
}

type membershipSeeder struct {
	memberships *projects.Service
}

func (s *membershipSeeder) Name() string        { return SeederMemberships }
func (s *membershipSeeder) DependsOn() []string { return []string{SeederAccounts} }

func (s *membershipSeeder) Seed(ctx context.Context) error {
	if err := s.memberships.AddMember(ctx, DemoProjectID, "admin", projects.RoleManager); err != nil {
		return err
	}
	return s.memberships.AddMember(ctx, DemoProjectID, "alice", projects.RoleMember)
}

type eventSeeder struct {
	events rooms.EventStore
}

func (s *eventSeeder) Name() string        { return SeederEvents }
func (s *eventSeeder) DependsOn() []string { return []string{SeederMemberships} }

func (s *eventSeeder) Seed(ctx context.Context) error {
	demo := []map[string]any{
		{"id": "demo-kickoff", "title": "Project kickoff", "start": "2025-01-06T09:00:00Z", "end": "2025-01-06T10:00:00Z"},
		{"id": "demo-review", "title": "Sprint review", "start": "2025-01-17T15:00:00Z", "end": "2025-01-17T16:00:00Z"},
	}
	for _, fields := range demo {
		id := fields["id"].(string)
		_, found, err := s.events.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		record := rooms.EditRecord{ID: id, ProjectID: DemoProjectID, Username: "admin", DataJSON: string(payload)}
		if _, err := s.events.Save(ctx, record); err != nil {
			return err
		}
	}
	return nil
}
