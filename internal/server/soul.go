package server

import (
	"os"
	"sync"
)

// defaultSoul seeds the agent soul when no file exists yet.
const defaultSoul = `# Agent Soul

Describe the agent's voice, boundaries, and standing guidance here.
This document is injected verbatim into the system prompt layer.
`

// soulFile is the editable agent soul markdown blob. Reads and writes are
// serialized; writes go through a temp file rename so a crash never leaves
// a half-written soul.
type soulFile struct {
	mu   sync.Mutex
	path string
}

func newSoulFile(path string) *soulFile {
	return &soulFile{path: path}
}

func (s *soulFile) Read() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return defaultSoul, nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *soulFile) Write(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
