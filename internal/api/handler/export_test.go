package handler

// Test-only exports for the router contract tests in handler_test.

type MemStore = memStore

var (
	NewMemStore      = newMemStore
	NewTestCache     = newTestCache
	NewTestArtifacts = newTestArtifacts
)

func (s *memStore) AddProject(id string) { s.addProject(id) }
