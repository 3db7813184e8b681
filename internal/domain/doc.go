// Package domain contains the core entities of the bulk upload engine: the
// ledger's DocumentRecord, the per-stage status values and the error
// classification recorded for failed attempts. It has no dependency on any
// storage, transport or file-system code.
package domain
