// Package eventlog is the durable, append-only event log (C5): the
// per-migration timeline the shutdown engine writes to and the rollback
// engine replays. Grounded on the raw-SQL-over-database/sql query shape
// and context-scoped logging of the reference corpus's job tracker,
// adapted from job/step bookkeeping to the fixed history_event schema and
// run-pointer-file lifecycle this spec requires.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/upstra/orchestrator/database"
	"github.com/upstra/orchestrator/models"
	"github.com/upstra/orchestrator/vault"
)

const actor = "UPSTRA"

// ErrRunNotFound is returned when an operation needs an active run
// pointer and none exists.
var ErrRunNotFound = fmt.Errorf("eventlog: no run in progress")

// Log is the event log handle. One Log is shared by the shutdown and
// rollback engines for the lifetime of one process.
type Log struct {
	db          database.Connection
	vault       *vault.Vault
	pointerPath string
}

// New builds a Log backed by conn, encrypting/decrypting BMC passwords
// through v, with the run pointer persisted at pointerPath.
func New(conn database.Connection, v *vault.Vault, pointerPath string) *Log {
	return &Log{db: conn, vault: v, pointerPath: pointerPath}
}

func (l *Log) sqlDB() (*sql.DB, error) {
	gdb := l.db.GetGormDB()
	if gdb == nil {
		return nil, fmt.Errorf("eventlog: no backing database connection")
	}
	return gdb.DB()
}

// BeginRun loads the run id from the pointer file if present, otherwise
// generates a new one and persists it, then writes a START_MIGRATION
// status marker. Returns the run id.
func (l *Log) BeginRun(ctx context.Context) (string, error) {
	runID, err := l.loadOrCreateRunID()
	if err != nil {
		return "", err
	}

	if err := l.MarkStatus(ctx, runID, models.StatusStartMigration); err != nil {
		return "", err
	}

	log.WithField("run_id", runID).Info("migration run started")
	return runID, nil
}

func (l *Log) loadOrCreateRunID() (string, error) {
	if data, err := os.ReadFile(l.pointerPath); err == nil {
		return string(trimRunID(data)), nil
	}

	runID := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(l.pointerPath), 0o755); err != nil {
		return "", fmt.Errorf("eventlog: failed to create pointer directory: %w", err)
	}
	if err := os.WriteFile(l.pointerPath, []byte(runID), 0o644); err != nil {
		return "", fmt.Errorf("eventlog: failed to write run pointer: %w", err)
	}
	return runID, nil
}

func trimRunID(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

// entityID computes the {phase}_{run_id} identifier a row is filed under.
// Migration-error events are always filed under the "error" phase
// regardless of which engine emitted them, matching the original
// implementation's convention.
func entityID(runID string, event models.Event) string {
	switch {
	case event.Kind == models.EventMigrationError:
		return "error_" + runID
	case event.Phase == models.PhaseRollback:
		return "rollback_" + runID
	default:
		return "migration_" + runID
	}
}

// payload is the JSON shape written to the metadata column: the event
// fields with the BMC password, if present, replaced by its ciphertext.
type payload struct {
	VMID         string          `json:"vm_id,omitempty"`
	HostID       string          `json:"host_id,omitempty"`
	OriginHostID string          `json:"origin_host_id,omitempty"`
	BMC          *bmcPayload     `json:"bmc,omitempty"`
	Title        string          `json:"title,omitempty"`
	Message      string          `json:"message,omitempty"`
}

type bmcPayload struct {
	Address  string `json:"address"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Append serializes event, encrypting the BMC password field if present,
// and inserts one row. The insert is a single round-trip: a failure here
// is a durability failure the caller must treat as fatal (§7 kind 4).
func (l *Log) Append(ctx context.Context, runID string, event models.Event) error {
	db, err := l.sqlDB()
	if err != nil {
		return err
	}

	p := payload{
		VMID:         event.VMID,
		HostID:       event.HostID,
		OriginHostID: event.OriginHostID,
		Title:        event.Title,
		Message:      event.Message,
	}
	if event.BMC != nil {
		encrypted, err := l.vault.Encrypt(event.BMC.Password)
		if err != nil {
			return fmt.Errorf("eventlog: failed to encrypt bmc password: %w", err)
		}
		p.BMC = &bmcPayload{Address: event.BMC.Address, User: event.BMC.User, Password: encrypted}
	}

	metadata, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("eventlog: failed to serialize event: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO history_event (entity, entity_id, action, metadata, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, "migration", entityID(runID, event), string(event.Kind), string(metadata), actor, time.Now())
	if err != nil {
		return fmt.Errorf("eventlog: failed to append event: %w", err)
	}

	log.WithFields(log.Fields{"run_id": runID, "kind": event.Kind, "phase": event.Phase}).Debug("event appended")
	return nil
}

// ReadForward returns forward-phase events for runID in insertion order.
func (l *Log) ReadForward(ctx context.Context, runID string) ([]models.StoredEvent, error) {
	return l.readEntity(ctx, "migration_"+runID, "ASC")
}

// ReadForRollback returns forward-phase events for runID in reverse
// insertion order, ready for the rollback engine to walk directly.
func (l *Log) ReadForRollback(ctx context.Context, runID string) ([]models.StoredEvent, error) {
	return l.readEntity(ctx, "migration_"+runID, "DESC")
}

func (l *Log) readEntity(ctx context.Context, entityIDValue, order string) ([]models.StoredEvent, error) {
	db, err := l.sqlDB()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, action, metadata, created_at FROM history_event
		WHERE entity_id = ? ORDER BY created_at %s, id %s
	`, order, order)

	rows, err := db.QueryContext(ctx, query, entityIDValue)
	if err != nil {
		return nil, fmt.Errorf("eventlog: failed to read events: %w", err)
	}
	defer rows.Close()

	var events []models.StoredEvent
	for rows.Next() {
		var (
			seq       int64
			action    string
			metadata  sql.NullString
			createdAt time.Time
		)
		if err := rows.Scan(&seq, &action, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("eventlog: failed to scan event row: %w", err)
		}
		if !metadata.Valid {
			// A status marker (START_MIGRATION, END_MIGRATION, ...) filed
			// under the same entity_id by MarkStatus; not an event.
			continue
		}

		event, err := l.deserialize(models.EventKind(action), metadata.String)
		if err != nil {
			return nil, err
		}
		events = append(events, models.StoredEvent{Event: *event, Sequence: seq, CreatedAt: createdAt})
	}
	return events, rows.Err()
}

func (l *Log) deserialize(kind models.EventKind, metadata string) (*models.Event, error) {
	var p payload
	if err := json.Unmarshal([]byte(metadata), &p); err != nil {
		return nil, fmt.Errorf("eventlog: failed to parse event metadata: %w", err)
	}

	event := &models.Event{
		Kind:         kind,
		VMID:         p.VMID,
		HostID:       p.HostID,
		OriginHostID: p.OriginHostID,
		Title:        p.Title,
		Message:      p.Message,
	}
	if p.BMC != nil {
		cleartext, err := l.vault.Decrypt(p.BMC.Password)
		if err != nil {
			return nil, fmt.Errorf("eventlog: failed to decrypt bmc password: %w", err)
		}
		event.BMC = &models.BMCCredentials{Address: p.BMC.Address, User: p.BMC.User, Password: cleartext}
	}
	return event, nil
}

// MarkStatus writes a status marker row for runID.
func (l *Log) MarkStatus(ctx context.Context, runID string, status models.RunStatus) error {
	db, err := l.sqlDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO history_event (entity, entity_id, action, actor, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, "migration", "migration_"+runID, string(status), actor, time.Now())
	if err != nil {
		return fmt.Errorf("eventlog: failed to write status marker %s: %w", status, err)
	}

	log.WithFields(log.Fields{"run_id": runID, "status": status}).Info("status marker written")
	return nil
}

// EndRun writes the terminal END_ROLLBACK marker and deletes the run
// pointer file, ending the MigrationRun's lifecycle.
//
// The original implementation this replaces has a documented bug: its
// finish_restart() writes START_ROLLBACK here instead of END_ROLLBACK.
// This implementation writes END_ROLLBACK, matching the method's
// documented intent rather than reproducing the bug.
func (l *Log) EndRun(ctx context.Context, runID string) error {
	if err := l.MarkStatus(ctx, runID, models.StatusEndRollback); err != nil {
		return err
	}

	if err := os.Remove(l.pointerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("eventlog: failed to delete run pointer: %w", err)
	}

	log.WithField("run_id", runID).Info("migration run ended")
	return nil
}

// CurrentRunID returns the run id from the pointer file, or ErrRunNotFound
// if no run is in progress.
func (l *Log) CurrentRunID() (string, error) {
	data, err := os.ReadFile(l.pointerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrRunNotFound
		}
		return "", fmt.Errorf("eventlog: failed to read run pointer: %w", err)
	}
	return string(trimRunID(data)), nil
}
