package database

import (
	"testing"
)

func TestSchemaValidator_EmptyDatabaseFails(t *testing.T) {
	validator := NewSchemaValidator(openTestDB(t))

	if err := validator.ValidateTablesExist(); err == nil {
		t.Error("ValidateTablesExist should fail on empty database")
	}
	if err := validator.Validate(); err == nil {
		t.Error("Validate should fail on empty database")
	}
}

func TestSchemaValidator_PassesAfterMigrations(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db, EmbeddedMigrations()).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	validator := NewSchemaValidator(db)
	if err := validator.ValidateTablesExist(); err != nil {
		t.Errorf("ValidateTablesExist should pass with all tables present: %v", err)
	}
	if err := validator.ValidateTableStructure(); err != nil {
		t.Errorf("ValidateTableStructure should pass: %v", err)
	}
	if err := validator.ValidateIndexes(); err != nil {
		t.Errorf("ValidateIndexes should pass: %v", err)
	}
}

func TestSchemaValidator_WrongColumnType(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE kv (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE schema_migrations (version TEXT PRIMARY KEY);
	`)
	if err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}

	validator := NewSchemaValidator(db)
	if err := validator.ValidateTablesExist(); err != nil {
		t.Errorf("ValidateTablesExist should pass: %v", err)
	}
	if err := validator.ValidateTableStructure(); err == nil {
		t.Error("ValidateTableStructure should reject a BLOB value column")
	}
	if err := validator.ValidateIndexes(); err == nil {
		t.Error("ValidateIndexes should fail without idx_kv_updated_at")
	}
}
