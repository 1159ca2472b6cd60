// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OrderPrefix marks merchant order ids handed to the payment gateway.
const OrderPrefix = "ORDER-"

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string. Record ids sort by creation time.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewOrderID returns a random merchant order id of the form ORDER-<uuid4>.
func (Generator) NewOrderID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate order id: %w", err)
	}
	return OrderPrefix + id.String(), nil
}

// IsOrderID reports whether raw looks like an id from NewOrderID.
func IsOrderID(raw string) bool {
	rest, ok := strings.CutPrefix(raw, OrderPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
