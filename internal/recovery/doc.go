// Package recovery re-attempts documents the main pass left in an error
// state.
//
// ReuploadErrorFiles retries stage 1 (and then stage 2) for records whose
// transfer failed. When the remote service can search its documents, each
// record is first reconciled with any remote copies a crashed run may have
// left behind: a finished copy is adopted instead of uploading again, and
// unfinished copies are deleted before the re-upload. ReuploadErrorFiles2
// retries stage 2 only, reusing the recorded remote id.
package recovery
