// Package uuid generates crawl log identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/smartfollow/harvester/internal/crawler"
)

// Generator creates UUID v7 strings. V7 IDs sort by creation time, so crawl
// logs written by one worker keep their order in an index on id.
type Generator struct{}

var _ crawler.IDGenerator = Generator{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
