package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":             "User directory",
		"chats":             "Conversation pairs",
		"messages":          "Message history",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := map[string]map[string]string{
		"users": {
			"id":        "TEXT",
			"user_name": "TEXT",
			"role":      "TEXT",
			"avatar":    "TEXT",
			"last_seen": "DATETIME",
		},
		"chats": {
			"id":            "TEXT",
			"student_id":    "TEXT",
			"instructor_id": "TEXT",
			"created_at":    "DATETIME",
		},
		"messages": {
			"id":         "TEXT",
			"chat_id":    "TEXT",
			"sender_id":  "TEXT",
			"text":       "TEXT",
			"created_at": "DATETIME",
		},
	}

	for table, columns := range tables {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_users_role":         "Directory listing",
		"idx_chats_student":      "Student chat list",
		"idx_chats_instructor":   "Instructor chat list",
		"idx_messages_chat_time": "Message history retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that integrity rules are enforced by the
// database. Probe rows are written inside a transaction that is always
// rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, text, created_at)
		VALUES ('probe', 'nonexistent', 'u1', 'x', CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.chat_id")
	}

	if _, err := tx.Exec(`
		INSERT INTO chats (id, student_id, instructor_id, created_at)
		VALUES ('probe-1', 'probe_student', 'probe_instructor', CURRENT_TIMESTAMP)
	`); err != nil {
		return fmt.Errorf("failed to create probe chat: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO chats (id, student_id, instructor_id, created_at)
		VALUES ('probe-2', 'probe_student', 'probe_instructor', CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("unique constraint not enforced: chats(student_id, instructor_id)")
	}

	if _, err := tx.Exec(`
		INSERT INTO users (id, role) VALUES ('probe', 'admin')
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: users.role")
	}

	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
