//go:build integration

// Package testdb provides utilities for database integration tests.
//
// Each test runs in its own transaction which is rolled back when the test
// completes, so tests can run in parallel against one database without
// cleaning up after themselves.
//
//	func TestLedger(t *testing.T) {
//	    t.Parallel()
//	    if testdb.ShouldSkipDatabaseTest() {
//	        t.Skip("DOCBULK_TEST_DB_URL not set - skipping integration test")
//	    }
//
//	    db := testdb.GetTestDBWithT(t)
//	    testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
//	        ledger := postgres.NewPostgresLedgerStore(db, nil).WithTx(tx)
//	        ...
//	    })
//	}
//
// The connection string is read from DOCBULK_TEST_DB_URL, falling back to
// DATABASE_URL.
package testdb
