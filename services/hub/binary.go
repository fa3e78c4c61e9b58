package hub

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"fleetd/pkg/crypto"
)

// AgentBinary serves the agent distributable from disk. The checksum is cached
// and recomputed when the file's size or modification time changes.
type AgentBinary struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	sum     string
}

// NewAgentBinary returns a source for the binary at path.
func NewAgentBinary(path string) *AgentBinary {
	return &AgentBinary{path: path}
}

// Checksum returns the SHA3-512 digest of the current binary.
func (b *AgentBinary) Checksum() (string, error) {
	info, err := os.Stat(b.path)
	if err != nil {
		return "", fmt.Errorf("stat agent binary: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sum != "" && info.ModTime().Equal(b.modTime) && info.Size() == b.size {
		return b.sum, nil
	}
	sum, err := crypto.ChecksumFile(b.path)
	if err != nil {
		return "", err
	}
	b.sum, b.modTime, b.size = sum, info.ModTime(), info.Size()
	return sum, nil
}

// Open opens the binary for reading.
func (b *AgentBinary) Open() (io.ReadCloser, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("open agent binary: %w", err)
	}
	return f, nil
}
