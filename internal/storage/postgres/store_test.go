package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "", 2)
	require.NoError(t, err)
	return store, mock
}

var siteCols = []string{"id", "url", "name", "enabled", "mode", "cron_expression", "next_check_at", "last_check_at", "last_error", "settings", "created_at", "updated_at"}

func TestNewWithPoolValidatesPrefix(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "bad-prefix;", 0)
	require.ErrorContains(t, err, "invalid table prefix")
	_, err = NewWithPool(nil, "", 0)
	require.Error(t, err)
}

func TestCreateSiteInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	site := monitor.MonitoredSite{
		ID: "s1", URL: "https://shop.example", Name: "Shop", Enabled: true, Mode: monitor.ModePlain,
		CronExpression: "*/5 * * * *", NextCheckAt: now, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO pagewatch_sites").
		WithArgs("s1", "https://shop.example", "Shop", true, "plain", "*/5 * * * *",
			now, pgxmock.AnyArg(), "", pgxmock.AnyArg(), now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateSite(context.Background(), site))

	mock.ExpectExec("INSERT INTO pagewatch_sites").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, store.CreateSite(context.Background(), site), monitor.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSiteScansRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	rows := mock.NewRows(siteCols).AddRow(
		"s1", "https://shop.example", "Shop", true, "renderer", "@hourly",
		now, now, "fetch: timeout", []byte(`{"selectors":["h1"],"trim":true}`), now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM pagewatch_sites WHERE id").WithArgs("s1").WillReturnRows(rows)

	site, err := store.GetSite(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, monitor.ModeRenderer, site.Mode)
	require.Equal(t, []string{"h1"}, site.Settings.Selectors)
	require.True(t, site.Settings.Trim)
	require.NotNil(t, site.LastCheckAt)
	require.Equal(t, "fetch: timeout", site.LastError)

	mock.ExpectQuery("SELECT (.+) FROM pagewatch_sites WHERE id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	_, err = store.GetSite(context.Background(), "missing")
	require.ErrorIs(t, err, monitor.ErrSiteNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCheckedAndDeleteReportMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec(`UPDATE pagewatch_sites SET last_check_at = \$2,\s+next_check_at = CASE WHEN cron_expression = \$5`).
		WithArgs("s1", now, now.Add(time.Hour), "", "@hourly").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkChecked(context.Background(), "s1", "@hourly", now, now.Add(time.Hour), ""))

	mock.ExpectExec("UPDATE pagewatch_sites SET last_check_at").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.MarkChecked(context.Background(), "gone", "@hourly", now, now, ""), monitor.ErrSiteNotFound)

	mock.ExpectExec("DELETE FROM pagewatch_targets").WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, store.DeleteTarget(context.Background(), "t1"), monitor.ErrTargetNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSiteLeavesSchedulerColumns(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	site := monitor.MonitoredSite{
		ID: "s1", URL: "https://shop.example", Name: "Shop", Enabled: true, Mode: monitor.ModePlain,
		CronExpression: "0 * * * *", NextCheckAt: now.Add(time.Hour), LastCheckAt: &now, LastError: "stale", UpdatedAt: now,
	}

	mock.ExpectExec(`UPDATE pagewatch_sites SET url = \$2, name = \$3, enabled = \$4, mode = \$5, cron_expression = \$6,\s+` +
		`next_check_at = CASE WHEN cron_expression <> \$6 OR enabled <> \$4 THEN \$7 ELSE next_check_at END,\s+` +
		`settings = \$8, updated_at = \$9 WHERE id = \$1`).
		WithArgs("s1", "https://shop.example", "Shop", true, "plain", "0 * * * *", now.Add(time.Hour), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateSite(context.Background(), site))

	mock.ExpectExec("UPDATE pagewatch_sites SET url").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.UpdateSite(context.Background(), site), monitor.ErrSiteNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWritesForDeletedSiteReportMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO pagewatch_snapshots").
		WillReturnError(&pgconn.PgError{Code: "23503"})
	err := store.PutSnapshot(context.Background(), monitor.Snapshot{SiteID: "gone", Fragments: []string{"a"}, CapturedAt: now})
	require.ErrorIs(t, err, monitor.ErrSiteNotFound)

	mock.ExpectExec("INSERT INTO pagewatch_checks").
		WillReturnError(&pgconn.PgError{Code: "23503"})
	err = store.AppendCheck(context.Background(), monitor.CheckRecord{ID: "c1", SiteID: "gone", StartedAt: now, FinishedAt: now})
	require.ErrorIs(t, err, monitor.ErrSiteNotFound)

	mock.ExpectExec("INSERT INTO pagewatch_checks").
		WillReturnError(&pgconn.PgError{Code: "57014"})
	err = store.AppendCheck(context.Background(), monitor.CheckRecord{ID: "c2", SiteID: "s1"})
	require.ErrorContains(t, err, "insert check")
	require.NotErrorIs(t, err, monitor.ErrSiteNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO pagewatch_snapshots").
		WithArgs("s1", []byte(`["a","b"]`), "hash", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.PutSnapshot(context.Background(), monitor.Snapshot{
		SiteID: "s1", Fragments: []string{"a", "b"}, Hash: "hash", CapturedAt: now,
	}))

	rows := mock.NewRows([]string{"site_id", "fragments", "hash", "captured_at"}).
		AddRow("s1", []byte(`["a","b"]`), "hash", now)
	mock.ExpectQuery("SELECT site_id, fragments").WithArgs("s1").WillReturnRows(rows)
	snap, err := store.GetSnapshot(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, snap.Fragments)

	mock.ExpectQuery("SELECT site_id, fragments").WithArgs("s2").WillReturnError(pgx.ErrNoRows)
	_, err = store.GetSnapshot(context.Background(), "s2")
	require.ErrorIs(t, err, monitor.ErrSnapshotNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendCheckTrimsHistory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	rec := monitor.CheckRecord{ID: "c1", SiteID: "s1", StartedAt: now, FinishedAt: now, Attempts: 1, Changed: true, Diff: "+a\n", ChangePercent: 100, FragmentCount: 1}

	mock.ExpectExec("INSERT INTO pagewatch_checks").
		WithArgs("c1", "s1", now, now, 1, true, "+a\n", 100.0, 1, "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM pagewatch_checks WHERE site_id").
		WithArgs("s1", 2).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.NoError(t, store.AppendCheck(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListChecksCapsLimit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	cols := []string{"id", "site_id", "started_at", "finished_at", "attempts", "changed", "diff", "change_percent", "fragment_count", "error_kind", "error_message", "archive_uri"}
	rows := mock.NewRows(cols).
		AddRow("c2", "s1", now, now, 2, false, "", 0.0, 3, "fetch", "timeout", "").
		AddRow("c1", "s1", now.Add(-time.Hour), now, 1, true, "+a\n", 100.0, 1, "", "", "gs://b/x.html")
	mock.ExpectQuery("SELECT (.+) FROM pagewatch_checks WHERE site_id").WithArgs("s1", 2).WillReturnRows(rows)

	checks, err := store.ListChecks(context.Background(), "s1", 50)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	require.True(t, checks[0].HasError())
	require.Equal(t, "gs://b/x.html", checks[1].ArchiveURI)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateUsesPrefix(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS pagewatch_sites.*site_id\s+TEXT PRIMARY KEY REFERENCES pagewatch_sites \(id\) ON DELETE CASCADE.*` +
		`site_id\s+TEXT NOT NULL REFERENCES pagewatch_sites \(id\) ON DELETE CASCADE`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
