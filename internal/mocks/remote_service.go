package mocks

import (
	"context"
	"strconv"
	"sync"

	"github.com/phrazzld/docbulk/internal/remote"
)

// RemoteService is a recording remote.Service and remote.Finder. Unset
// function fields fall back to a fake that succeeds and hands out
// sequential remote ids.
type RemoteService struct {
	SubmitBytesFn       func(ctx context.Context, req remote.SubmitRequest) (string, error)
	ConfirmProcessingFn func(ctx context.Context, remoteID string) error
	FindByIdentifierFn  func(ctx context.Context, identifier string) ([]remote.Document, error)
	DeleteFn            func(ctx context.Context, remoteID string) error
	FindFailedFn        func(ctx context.Context, projectID int) ([]remote.Document, error)

	mu        sync.Mutex
	nextID    int
	Submitted []remote.SubmitRequest
	Confirmed []string
	Searched  []string
	Deleted   []string
}

var (
	_ remote.Service = (*RemoteService)(nil)
	_ remote.Finder  = (*RemoteService)(nil)
)

// SubmitBytes implements remote.Service.
func (m *RemoteService) SubmitBytes(ctx context.Context, req remote.SubmitRequest) (string, error) {
	m.mu.Lock()
	m.Submitted = append(m.Submitted, req)
	m.nextID++
	id := strconv.Itoa(100 + m.nextID)
	m.mu.Unlock()

	if m.SubmitBytesFn != nil {
		return m.SubmitBytesFn(ctx, req)
	}
	return id, nil
}

// ConfirmProcessing implements remote.Service.
func (m *RemoteService) ConfirmProcessing(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	m.Confirmed = append(m.Confirmed, remoteID)
	m.mu.Unlock()

	if m.ConfirmProcessingFn != nil {
		return m.ConfirmProcessingFn(ctx, remoteID)
	}
	return nil
}

// FindByIdentifier implements remote.Finder.
func (m *RemoteService) FindByIdentifier(ctx context.Context, identifier string) ([]remote.Document, error) {
	m.mu.Lock()
	m.Searched = append(m.Searched, identifier)
	m.mu.Unlock()

	if m.FindByIdentifierFn != nil {
		return m.FindByIdentifierFn(ctx, identifier)
	}
	return nil, nil
}

// Delete implements remote.Finder.
func (m *RemoteService) Delete(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	m.Deleted = append(m.Deleted, remoteID)
	m.mu.Unlock()

	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, remoteID)
	}
	return nil
}

// FindFailed implements remote.Finder.
func (m *RemoteService) FindFailed(ctx context.Context, projectID int) ([]remote.Document, error) {
	if m.FindFailedFn != nil {
		return m.FindFailedFn(ctx, projectID)
	}
	return nil, nil
}

// SubmitCount returns the number of SubmitBytes calls so far.
func (m *RemoteService) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submitted)
}

// ConfirmCount returns the number of ConfirmProcessing calls so far.
func (m *RemoteService) ConfirmCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Confirmed)
}

// ServiceOnly hides the Finder methods, for code paths that must work
// against services without search support.
type ServiceOnly struct {
	remote.Service
}
