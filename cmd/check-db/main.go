// Package main is a diagnostic tool for database connectivity and tenant data. It loads
// the server configuration, connects, and prints every organization with its flags and
// record counts. It exits non-zero on any failure so it can gate deployments.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/obcms/obcms-core/internal/config"
	"github.com/obcms/obcms-core/internal/db"
	"github.com/obcms/obcms-core/internal/db/repositories"
)

var recordTables = []string{"communities", "assessments", "coordination_events"}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	fmt.Printf("Schema version: %d (dirty: %v)\n", version, dirty)

	orgs, err := repositories.NewOrganizationRepository(database.DB).List(ctx, true, 10000, 0)
	if err != nil {
		log.Fatalf("Failed to list organizations: %v", err)
	}

	fmt.Println("\n=== ORGANIZATIONS ===")
	aggregators := 0
	for _, org := range orgs {
		flags := ""
		if !org.IsActive {
			flags += " [inactive]"
		}
		if org.IsAggregator {
			flags += " [aggregator]"
			if org.IsActive {
				aggregators++
			}
		}
		fmt.Printf("%-16s %s%s capabilities=%v\n", org.Code, org.Name, flags, org.Capabilities.Enabled())

		for _, table := range recordTables {
			var n int
			// #nosec G201 -- table names come from the fixed list above
			query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE organization_id = $1", table)
			if err := database.QueryRowContext(ctx, query, org.ID).Scan(&n); err != nil {
				log.Fatalf("Failed to count %s for %s: %v", table, org.Code, err)
			}
			fmt.Printf("    %-20s %d\n", table, n)
		}
	}

	if len(orgs) == 0 {
		fmt.Println("No organizations found!")
	}
	if aggregators > cfg.MultiTenancy.MaxAggregators {
		fmt.Printf("\nWARNING: %d active aggregators exceed the configured limit of %d\n", aggregators, cfg.MultiTenancy.MaxAggregators)
		os.Exit(1)
	}
}
