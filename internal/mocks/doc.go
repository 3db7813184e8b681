// Package mocks provides shared test doubles for the ledger and the remote
// document service.
//
// MemoryLedger is a complete in-memory store.Ledger that enforces the same
// transition guards as the Postgres store, so scheduler and sweeper tests
// exercise real ledger semantics without a database. RemoteService records
// every call and delegates to optional function fields.
//
// Usage:
//
//	ledger := mocks.NewMemoryLedger()
//	svc := &mocks.RemoteService{
//	    SubmitBytesFn: func(ctx context.Context, req remote.SubmitRequest) (string, error) {
//	        return "101", nil
//	    },
//	}
package mocks
