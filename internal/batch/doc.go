// Package batch drives the main upload pass: it reads pending records from
// the ledger in batches, hands each one to the upload executor and stops
// cleanly when its context is cancelled.
//
// The ledger is re-read page by page, so an interrupted run can simply be
// started again; records that already reached stage 1 success are never
// yielded twice.
package batch
