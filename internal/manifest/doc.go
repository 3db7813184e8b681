// Package manifest reads the input table that lists the documents to upload
// and imports it into the progress ledger.
//
// The table is CSV with a header row. The identifier column (default
// document_number) names the file and stays in the metadata, the title
// column is consumed as the document title, and every other column becomes a
// metadata entry.
package manifest
