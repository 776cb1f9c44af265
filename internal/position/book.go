package position

import (
	"sync"

	"github.com/quantfold/momentum-bot/internal/model"
)

// Book is the in-memory open-position set. The supervisor owns mutations
// after open; the execution stage only reads HasOpen and calls Add during
// the open transaction.
type Book struct {
	mu       sync.RWMutex
	byID     map[string]model.Position
	bySymbol map[string]string // symbol -> position id
}

func NewBook() *Book {
	return &Book{
		byID:     map[string]model.Position{},
		bySymbol: map[string]string{},
	}
}

func (b *Book) Add(p model.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID[p.ID] = p
	b.bySymbol[p.Symbol] = p.ID
}

// HasOpen reports whether the symbol already has a live position. At most
// one open position per symbol exists at a time.
func (b *Book) HasOpen(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.bySymbol[symbol]
	return ok
}

func (b *Book) Get(id string) (model.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.byID[id]
	return p, ok
}

// SetStatus updates a position's lifecycle state in place.
func (b *Book) SetStatus(id string, status model.PositionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.byID[id]; ok {
		p.Status = status
		b.byID[id] = p
	}
}

// Remove drops a finished position from the live set.
func (b *Book) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.byID[id]; ok {
		delete(b.byID, id)
		if b.bySymbol[p.Symbol] == id {
			delete(b.bySymbol, p.Symbol)
		}
	}
}

func (b *Book) ListOpen() []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Position, 0, len(b.byID))
	for _, p := range b.byID {
		out = append(out, p)
	}
	return out
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}
