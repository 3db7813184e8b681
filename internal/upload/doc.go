// Package upload attempts the two stages of a single document's submission
// and records each outcome in the progress ledger.
//
// Stage 1 runs a network-free preflight (file exists, size within the
// ceiling, PDF header, optional deep validation) and then transfers the bytes
// through remote.Service.SubmitBytes. Stage 2 asks the service to process the
// stored document. Every attempted stage produces exactly one ledger write;
// per-document failures are classified by domain.ErrorKind and recorded, and
// only a failed ledger write is reported to the caller as an error.
package upload
