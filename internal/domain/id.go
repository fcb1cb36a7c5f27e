package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Identifiers are cell-scoped so ids generated in different deployment cells
// never collide and remain traceable to their origin.

func NewIntentID(cellID string) string {
	return prefixedID("pay", cellID)
}

func NewAttemptID(cellID string) string {
	return prefixedID("att", cellID)
}

// NewAttemptGroupID generates the identifier binding all legs of one split
// run together.
func NewAttemptGroupID(cellID string) string {
	return prefixedID("attgrp", cellID)
}

func prefixedID(kind, cellID string) string {
	cell := strings.TrimSpace(cellID)
	if cell == "" {
		cell = "cell0"
	}
	return kind + "_" + cell + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
