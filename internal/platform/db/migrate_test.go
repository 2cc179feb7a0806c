package db

import (
	"strings"
	"testing"
)

func TestLoadMigrations_SortedAndParsed(t *testing.T) {
	m := NewMigrator(nil)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) < 3 {
		t.Fatalf("expected at least 3 embedded migrations, got %d", len(migrations))
	}

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations not sorted: %d after %d", migrations[i].Version, migrations[i-1].Version)
		}
	}

	if migrations[0].Version != 1 || migrations[0].Name != "core" {
		t.Errorf("first migration = %d %q, want 1 core", migrations[0].Version, migrations[0].Name)
	}
}

func TestLoadMigrations_CoreSchema(t *testing.T) {
	m := NewMigrator(nil)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all := ""
	for _, mig := range migrations {
		all += mig.SQL
	}

	// The tables the engine depends on must all be declared.
	for _, table := range []string{
		"resources", "resource_versions",
		"search_parameters", "search_parameter_versions",
		"search_string", "search_token", "search_token_identifier",
		"search_date", "search_number", "search_quantity",
		"search_reference", "search_uri", "search_text", "search_content",
		"resource_search_index_status",
		"compartment_membership", "list_membership",
		"transaction_records", "transaction_entries", "jobs",
	} {
		if !strings.Contains(all, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("missing CREATE TABLE for %s", table)
		}
	}

	if !strings.Contains(all, "ux_resources_one_current") {
		t.Error("missing unique current-version index")
	}
	if !strings.Contains(all, "ON DELETE CASCADE") {
		t.Error("index tables must cascade with their resource version")
	}
}
