package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantle-labs/aegis/pkg/audit"
)

func newMockedPostgres(t *testing.T) (*audit.PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	backend, err := audit.NewPostgresBackend(db)
	require.NoError(t, err)
	return backend, mock
}

func TestPostgresBackend_Persist(t *testing.T) {
	backend, mock := newMockedPostgres(t)

	log := audit.NewLog(backend)
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := log.Append(audit.EntryTypePolicySet, "com.acme.mdm:0", "policy_set",
		map[string]string{"policy_key": "camera_disabled"})
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_List(t *testing.T) {
	backend, mock := newMockedPostgres(t)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows := sqlmock.NewRows([]string{
		"entry_id", "sequence", "timestamp", "entry_type", "subject",
		"action", "payload", "payload_hash", "previous_hash", "entry_hash",
	}).AddRow("id-2", 2, now, "policy_remove", "com.acme.mdm:0",
		"policy_remove", `{}`, "sha256:b", "sha256:a", "sha256:c").
		AddRow("id-1", 1, now, "policy_set", "com.acme.mdm:0",
			"policy_set", `{}`, "sha256:a", "genesis", "sha256:a")

	mock.ExpectQuery("FROM audit_entries").
		WithArgs(10).
		WillReturnRows(rows)

	entries, err := backend.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].Sequence)
	assert.Equal(t, audit.EntryTypePolicyRemove, entries[0].EntryType)
	assert.Equal(t, "genesis", entries[1].PreviousHash)

	assert.NoError(t, mock.ExpectationsWereMet())
}
