// Package document defines the block-document boundary the revision core
// reads from and writes to, plus an in-memory implementation.
package document

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrBlockNotFound = errors.New("block not found")

// Block is one unit of document content.
type Block struct {
	ID      string            `json:"id"`
	Text    string            `json:"text"`
	Style   map[string]string `json:"style,omitempty"`
	Pending bool              `json:"pending,omitempty"`
	// Display is the presentation form of a pending change; it never
	// replaces Text.
	Display string `json:"display,omitempty"`
}

// Style attribute used to highlight blocks with a pending change.
const (
	StyleBackground  = "backgroundColor"
	HighlightPending = "blue"
	HighlightNone    = "default"
)

// BlockUpdate carries the fields to change on a block. Nil fields are
// left alone; Style entries are merged into the block's style.
type BlockUpdate struct {
	Text    *string
	Pending *bool
	Display *string
	Style   map[string]string
}

// Document is the capability the core consumes. Implementations own block
// storage; the core only reads blocks and requests updates.
type Document interface {
	ID() string
	Blocks() []Block
	UpdateBlock(id string, u BlockUpdate) error
}

// Flatten joins block texts in document order, one block per line.
func Flatten(blocks []Block) string {
	texts := make([]string, len(blocks))
	for i, b := range blocks {
		texts[i] = b.Text
	}
	return strings.Join(texts, "\n")
}

// Memory is an in-memory Document.
type Memory struct {
	mu     sync.RWMutex
	id     string
	blocks []Block
}

var _ Document = (*Memory)(nil)

// NewMemory creates a document holding the given texts as blocks. An empty
// id gets a generated one.
func NewMemory(id string, texts []string) *Memory {
	if id == "" {
		id = uuid.NewString()
	}
	m := &Memory{id: id, blocks: make([]Block, 0, len(texts))}
	for _, t := range texts {
		m.blocks = append(m.blocks, Block{ID: uuid.NewString(), Text: t})
	}
	return m
}

// FromText splits text into one block per non-blank line.
func FromText(id, text string) *Memory {
	var texts []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		texts = append(texts, line)
	}
	return NewMemory(id, texts)
}

// ID returns the document identifier.
func (m *Memory) ID() string {
	return m.id
}

// Blocks returns a copy of the blocks in document order.
func (m *Memory) Blocks() []Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Block, len(m.blocks))
	for i, b := range m.blocks {
		out[i] = b
		if b.Style != nil {
			out[i].Style = make(map[string]string, len(b.Style))
			for k, v := range b.Style {
				out[i].Style[k] = v
			}
		}
	}
	return out
}

// UpdateBlock applies u to the block with the given id.
func (m *Memory) UpdateBlock(id string, u BlockUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.blocks {
		if m.blocks[i].ID != id {
			continue
		}
		if u.Text != nil {
			m.blocks[i].Text = *u.Text
		}
		if u.Pending != nil {
			m.blocks[i].Pending = *u.Pending
		}
		if u.Display != nil {
			m.blocks[i].Display = *u.Display
		}
		if len(u.Style) > 0 {
			if m.blocks[i].Style == nil {
				m.blocks[i].Style = make(map[string]string, len(u.Style))
			}
			for k, v := range u.Style {
				m.blocks[i].Style[k] = v
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
}

// Text returns the committed text of the document.
func (m *Memory) Text() string {
	return Flatten(m.Blocks())
}

// Store keeps documents by ID for the request surfaces.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*Memory
}

var ErrDocumentNotFound = errors.New("document not found")

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{docs: make(map[string]*Memory)}
}

// Put adds or replaces a document.
func (s *Store) Put(doc *Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID()] = doc
}

// Get returns the document with the given id.
func (s *Store) Get(id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return doc, nil
}
