// Package seeder populates stores with demo data for local development.
// Everything it creates is flagged Demo so it stays out of real caseloads.
package seeder

import (
	"context"
	"fmt"
	"log/slog"

	accmodels "caseguard/internal/access/models"
	"caseguard/internal/access/store/principal"
	"caseguard/internal/access/store/program"
	clientsvc "caseguard/internal/client/service"
	id "caseguard/pkg/domain"
	"caseguard/pkg/secrets"
)

// Seeder populates the program catalogue, staff directory and a handful of
// demo client records.
type Seeder struct {
	programs   program.Store
	principals principal.Store
	clients    *clientsvc.Service
	logger     *slog.Logger
}

func New(programs program.Store, principals principal.Store, clients *clientsvc.Service, logger *slog.Logger) *Seeder {
	return &Seeder{
		programs:   programs,
		principals: principals,
		clients:    clients,
		logger:     logger,
	}
}

// SeedAll populates all stores with demo data.
func (s *Seeder) SeedAll(ctx context.Context) error {
	s.logger.Info("seeding demo data...")

	programs, err := s.seedPrograms(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed programs: %w", err)
	}

	staff, err := s.seedPrincipals(ctx, programs)
	if err != nil {
		return fmt.Errorf("failed to seed principals: %w", err)
	}

	clientCount, err := s.seedClients(ctx, staff, programs)
	if err != nil {
		return fmt.Errorf("failed to seed clients: %w", err)
	}

	s.logger.Info("demo data seeded successfully",
		"programs", len(programs),
		"principals", len(staff),
		"clients", clientCount,
	)
	return nil
}

func (s *Seeder) seedPrograms(ctx context.Context) ([]accmodels.Program, error) {
	programs := []accmodels.Program{
		{ID: id.NewProgramID(), Name: "Housing Support"},
		{ID: id.NewProgramID(), Name: "Food Assistance"},
		{ID: id.NewProgramID(), Name: "Safe Harbour", Confidential: true},
	}
	for _, p := range programs {
		if err := s.programs.Save(ctx, p); err != nil {
			return nil, err
		}
	}
	return programs, nil
}

func (s *Seeder) seedPrincipals(ctx context.Context, programs []accmodels.Program) ([]accmodels.Principal, error) {
	housing, food, safeHarbour := programs[0].ID, programs[1].ID, programs[2].ID

	demoStaff := []struct {
		name     string
		role     accmodels.Role
		programs map[id.ProgramID]accmodels.SubRole
	}{
		{"Alice Anders", accmodels.RoleAdministrator, nil},
		{"Bruno Castillo", accmodels.RoleProgramManager, map[id.ProgramID]accmodels.SubRole{
			housing: accmodels.SubRoleCoordinator,
			food:    accmodels.SubRoleCoordinator,
		}},
		{"Chiara Dunn", accmodels.RoleProgramManager, map[id.ProgramID]accmodels.SubRole{
			safeHarbour: accmodels.SubRoleCoordinator,
		}},
		{"Dmitri Evans", accmodels.RoleDirectService, map[id.ProgramID]accmodels.SubRole{
			housing: accmodels.SubRoleStaff,
		}},
		{"Esther Flores", accmodels.RoleDirectService, map[id.ProgramID]accmodels.SubRole{
			food:        accmodels.SubRoleStaff,
			safeHarbour: accmodels.SubRoleStaff,
		}},
		{"Farid Gajewski", accmodels.RoleFrontDesk, map[id.ProgramID]accmodels.SubRole{
			housing: accmodels.SubRoleStaff,
			food:    accmodels.SubRoleStaff,
		}},
	}

	var staff []accmodels.Principal
	for _, entry := range demoStaff {
		secret, err := secrets.Generate()
		if err != nil {
			return nil, err
		}
		hash, err := secrets.Hash(secret)
		if err != nil {
			return nil, err
		}
		p := accmodels.Principal{
			ID:          id.NewPrincipalID(),
			DisplayName: entry.name,
			Role:        entry.role,
			Programs:    entry.programs,
			Demo:        true,
			Active:      true,
			SecretHash:  hash,
		}
		if err := s.principals.Save(ctx, &p); err != nil {
			return nil, err
		}
		staff = append(staff, p)

		// Demo secrets are logged once at seed time, never stored in the clear.
		s.logger.Info("seeded demo principal",
			"principal_id", p.ID,
			"display_name", p.DisplayName,
			"role", p.Role,
			"secret", secret,
		)
	}
	return staff, nil
}

// seedClients goes through the client service rather than the store so the
// demo records are sealed, audited and shaped exactly like real ones.
func (s *Seeder) seedClients(ctx context.Context, staff []accmodels.Principal, programs []accmodels.Program) (int, error) {
	if s.clients == nil {
		return 0, nil
	}
	housing, food, safeHarbour := programs[0].ID, programs[1].ID, programs[2].ID

	housingPM := staff[1]
	safeHarbourPM := staff[2]

	demoClients := []struct {
		actor    accmodels.Principal
		name     string
		dob      string
		contact  string
		programs []id.ProgramID
		note     string
		plan     string
	}{
		{housingPM, "Morgan Hale", "1987-03-14", "morgan.hale@example.org",
			[]id.ProgramID{housing},
			"Intake complete, waiting on landlord reference.",
			"Secure transitional housing placement within 60 days."},
		{housingPM, "Priya Iyer", "1992-11-02", "555-0138",
			[]id.ProgramID{housing, food},
			"Weekly food parcel arranged, housing application pending.",
			""},
		{safeHarbourPM, "Quinn Jacobs", "1979-06-21", "555-0171",
			[]id.ProgramID{safeHarbour},
			"Initial safety assessment done.",
			"Safety plan reviewed with client."},
	}

	for _, entry := range demoClients {
		view, err := s.clients.CreateClient(ctx, entry.actor, clientsvc.CreateClientRequest{
			Name:     entry.name,
			DOB:      entry.dob,
			Contact:  entry.contact,
			Programs: entry.programs,
			Demo:     true,
		})
		if err != nil {
			return 0, err
		}
		if entry.note != "" {
			if _, err := s.clients.CreateNote(ctx, entry.actor, view.ID, entry.note); err != nil {
				return 0, err
			}
		}
		if entry.plan != "" {
			if _, err := s.clients.CreatePlan(ctx, entry.actor, view.ID, entry.plan); err != nil {
				return 0, err
			}
		}
	}
	return len(demoClients), nil
}
