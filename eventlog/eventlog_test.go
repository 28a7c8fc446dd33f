package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/upstra/orchestrator/models"
	"github.com/upstra/orchestrator/vault"
)

// fakeConn adapts a sqlmock-backed *gorm.DB to database.Connection
// without depending on the database package's MariaDB dial logic.
type fakeConn struct {
	gdb *gorm.DB
}

func (f *fakeConn) Close() error        { return nil }
func (f *fakeConn) Ping() error         { return nil }
func (f *fakeConn) GetStatus() string   { return "connected" }
func (f *fakeConn) GetGormDB() *gorm.DB { return f.gdb }

func newMockLog(t *testing.T) (*Log, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	v, err := vault.New("test-master-key")
	require.NoError(t, err)

	pointerPath := filepath.Join(t.TempDir(), "run_id")

	return New(&fakeConn{gdb: gdb}, v, pointerPath), mock
}

func TestBeginRunCreatesPointerAndStatusMarker(t *testing.T) {
	l, mock := newMockLog(t)

	mock.ExpectExec("INSERT INTO history_event").
		WithArgs("migration", sqlmock.AnyArg(), string(models.StatusStartMigration), "UPSTRA", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	runID, err := l.BeginRun(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	require.NoError(t, mock.ExpectationsWereMet())

	got, err := l.CurrentRunID()
	require.NoError(t, err)
	assert.Equal(t, runID, got)
}

func TestAppendEncryptsBMCPassword(t *testing.T) {
	l, mock := newMockLog(t)

	mock.ExpectExec("INSERT INTO history_event").
		WithArgs("migration", "migration_run-1", string(models.EventServerStopped), sqlmock.AnyArg(), "UPSTRA", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	event := models.ServerStopped("host-1", models.BMCCredentials{Address: "10.0.0.1", User: "admin", Password: "hunter2"})
	event.Phase = models.PhaseForward

	err := l.Append(context.Background(), "run-1", event)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMigrationErrorUsesErrorEntity(t *testing.T) {
	l, mock := newMockLog(t)

	mock.ExpectExec("INSERT INTO history_event").
		WithArgs("migration", "error_run-1", string(models.EventMigrationError), sqlmock.AnyArg(), "UPSTRA", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := l.Append(context.Background(), "run-1", models.MigrationErrorEvent("Server not found", "boom"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadForRollbackReversesReadForward(t *testing.T) {
	l, mock := newMockLog(t)

	rows := sqlmock.NewRows([]string{"id", "action", "metadata", "created_at"}).
		AddRow(1, string(models.EventVMStopped), `{"vm_id":"vm-1","host_id":"host-1"}`, time.Now()).
		AddRow(2, string(models.EventVMStopped), `{"vm_id":"vm-2","host_id":"host-1"}`, time.Now())
	mock.ExpectQuery("SELECT id, action, metadata, created_at FROM history_event .* ORDER BY created_at ASC, id ASC").
		WithArgs("migration_run-1").
		WillReturnRows(rows)

	events, err := l.ReadForward(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "vm-1", events[0].VMID)

	rowsDesc := sqlmock.NewRows([]string{"id", "action", "metadata", "created_at"}).
		AddRow(2, string(models.EventVMStopped), `{"vm_id":"vm-2","host_id":"host-1"}`, time.Now()).
		AddRow(1, string(models.EventVMStopped), `{"vm_id":"vm-1","host_id":"host-1"}`, time.Now())
	mock.ExpectQuery("SELECT id, action, metadata, created_at FROM history_event .* ORDER BY created_at DESC, id DESC").
		WithArgs("migration_run-1").
		WillReturnRows(rowsDesc)

	reversed, err := l.ReadForRollback(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, reversed, 2)
	assert.Equal(t, "vm-2", reversed[0].VMID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadForwardSkipsStatusMarkerRows(t *testing.T) {
	l, mock := newMockLog(t)

	// MarkStatus files status markers under the same migration_<run_id>
	// entity_id as events, with no metadata column value (NULL). Reads
	// must skip them rather than fail trying to deserialize one.
	rows := sqlmock.NewRows([]string{"id", "action", "metadata", "created_at"}).
		AddRow(1, string(models.StatusStartMigration), nil, time.Now()).
		AddRow(2, string(models.EventVMStopped), `{"vm_id":"vm-1","host_id":"host-1"}`, time.Now()).
		AddRow(3, string(models.StatusEndMigration), nil, time.Now())
	mock.ExpectQuery("SELECT id, action, metadata, created_at FROM history_event").
		WithArgs("migration_run-1").
		WillReturnRows(rows)

	events, err := l.ReadForward(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "vm-1", events[0].VMID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEndRunDeletesPointer(t *testing.T) {
	l, mock := newMockLog(t)

	mock.ExpectExec("INSERT INTO history_event").
		WithArgs("migration", sqlmock.AnyArg(), string(models.StatusStartMigration), "UPSTRA", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	runID, err := l.BeginRun(context.Background())
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO history_event").
		WithArgs("migration", "migration_"+runID, string(models.StatusEndRollback), "UPSTRA", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))

	require.NoError(t, l.EndRun(context.Background(), runID))
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = l.CurrentRunID()
	assert.ErrorIs(t, err, ErrRunNotFound)
}
