package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/attrio/attrio/internal/config"
	"github.com/attrio/attrio/internal/database"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks on an attrio installation",
	Long: `Run health checks on an attrio installation.

Checks performed:
  - Data directory writable
  - GeoIP database present
  - Database connection
  - Database migrations completed
  - Core tables present
  - Job queue backlog and dead letters

Example:
  attrio doctor
  attrio doctor --json`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output results as JSON")
}

type CheckResult struct {
	Name       string `json:"name"`
	Pass       bool   `json:"pass"`
	Error      string `json:"error,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Details    string `json:"details,omitempty"`
}

// expectedMigrationVersion tracks the last migration shipped with this
// build.
const expectedMigrationVersion = uint(2)

var requiredTables = []string{
	"websites",
	"ingestion_tokens",
	"identities",
	"customers",
	"customer_identity_links",
	"sessions",
	"touches",
	"events",
	"conversions",
	"ingest_jobs",
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	results := []CheckResult{
		checkDataDirectory(cfg),
		checkGeoIPDatabase(cfg),
	}

	if cfg.DatabaseURL == "" {
		results = append(results, CheckResult{
			Name:       "Database Connection",
			Pass:       false,
			Error:      "DATABASE_URL not configured",
			Suggestion: "Set DATABASE_URL or add database_url to attrio.toml",
		})
	} else if err := database.ConnectURL(cfg.DatabaseURL); err != nil {
		results = append(results, CheckResult{
			Name:       "Database Connection",
			Pass:       false,
			Error:      err.Error(),
			Suggestion: "Verify DATABASE_URL and ensure PostgreSQL is running",
		})
	} else {
		defer func() {
			_ = database.Close()
		}()
		results = append(results,
			CheckResult{Name: "Database Connection", Pass: true},
			checkMigrations(cfg),
			checkTables(database.DB),
			checkJobQueue(database.DB),
		)
	}

	if doctorJSON {
		data, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(data))
	} else {
		outputDoctorHuman(results)
	}

	for _, r := range results {
		if !r.Pass {
			os.Exit(1)
		}
	}
	return nil
}

func checkDataDirectory(cfg *config.Config) CheckResult {
	testFile := filepath.Join(cfg.DataDir, ".attrio-write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return CheckResult{
			Name:       "Data Directory Writable",
			Pass:       false,
			Error:      err.Error(),
			Suggestion: "Ensure DATA_DIR exists and has write permissions",
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Data Directory Writable", Pass: true}
}

func checkGeoIPDatabase(cfg *config.Config) CheckResult {
	geoipPath := filepath.Join(cfg.DataDir, "GeoLite2-Country.mmdb")

	info, err := os.Stat(geoipPath)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Name:       "GeoIP Database",
				Pass:       false,
				Error:      "GeoLite2-Country.mmdb not found",
				Suggestion: "Optional; session country stays empty without it",
			}
		}
		return CheckResult{Name: "GeoIP Database", Pass: false, Error: err.Error()}
	}

	return CheckResult{
		Name:    "GeoIP Database",
		Pass:    true,
		Details: fmt.Sprintf("%.1f MB", float64(info.Size())/(1024*1024)),
	}
}

func checkMigrations(cfg *config.Config) CheckResult {
	version, dirty, err := database.GetMigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return CheckResult{
			Name:       "Database Migrations",
			Pass:       false,
			Error:      err.Error(),
			Suggestion: "Migrations run automatically on: attrio serve",
		}
	}
	if dirty {
		return CheckResult{
			Name:       "Database Migrations",
			Pass:       false,
			Error:      "Migration state is dirty",
			Suggestion: "Fix dirty migration state, may need manual intervention",
		}
	}
	if version != expectedMigrationVersion {
		return CheckResult{
			Name:       "Database Migrations",
			Pass:       false,
			Error:      fmt.Sprintf("Migration version %d, expected %d", version, expectedMigrationVersion),
			Suggestion: "Migrations run automatically on: attrio serve",
		}
	}
	return CheckResult{Name: "Database Migrations", Pass: true, Details: fmt.Sprintf("v%d", version)}
}

func checkTables(db *sql.DB) CheckResult {
	rows, err := db.Query(`
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename = ANY($1)`,
		pq.Array(requiredTables))
	if err != nil {
		return CheckResult{Name: "Core Tables", Pass: false, Error: err.Error()}
	}
	defer func() {
		_ = rows.Close()
	}()

	found := make(map[string]bool)
	for rows.Next() {
		var name string
		_ = rows.Scan(&name)
		found[name] = true
	}

	var missing []string
	for _, table := range requiredTables {
		if !found[table] {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:       "Core Tables",
			Pass:       false,
			Error:      fmt.Sprintf("Missing tables: %s", strings.Join(missing, ", ")),
			Suggestion: "Run migrations to create missing tables",
		}
	}
	return CheckResult{
		Name:    "Core Tables",
		Pass:    true,
		Details: fmt.Sprintf("%d/%d tables found", len(requiredTables), len(requiredTables)),
	}
}

func checkJobQueue(db *sql.DB) CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var pending, dead int
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'dead')
		FROM ingest_jobs`).Scan(&pending, &dead)
	if err != nil {
		return CheckResult{Name: "Job Queue", Pass: false, Error: err.Error()}
	}

	if dead > 0 {
		return CheckResult{
			Name:       "Job Queue",
			Pass:       false,
			Error:      fmt.Sprintf("%d dead-lettered jobs", dead),
			Suggestion: "Inspect ingest_jobs WHERE status = 'dead' and requeue or delete",
			Details:    fmt.Sprintf("%d pending", pending),
		}
	}
	return CheckResult{
		Name:    "Job Queue",
		Pass:    true,
		Details: fmt.Sprintf("%d pending, 0 dead", pending),
	}
}

func outputDoctorHuman(results []CheckResult) {
	fmt.Println("\nAttrio Health Check")

	passed := 0
	for _, r := range results {
		icon := "✓"
		if !r.Pass {
			icon = "✗"
		} else {
			passed++
		}

		fmt.Printf("%s %s", icon, r.Name)
		if r.Details != "" {
			fmt.Printf(" (%s)", r.Details)
		}
		fmt.Println()

		if !r.Pass {
			if r.Error != "" {
				fmt.Printf("  Error: %s\n", r.Error)
			}
			if r.Suggestion != "" {
				fmt.Printf("  Hint: %s\n", r.Suggestion)
			}
		}
	}

	fmt.Printf("\n%d/%d checks passed\n\n", passed, len(results))
}
