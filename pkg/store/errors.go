package store

import (
	"fmt"

	"github.com/google/uuid"
)

func errNotFound(kind string, id uuid.UUID) error {
	return fmt.Errorf("%s %s not found", kind, id)
}

func errDuplicateAssignment(taskID, nodeID uuid.UUID) error {
	return fmt.Errorf("assignment for task %s node %s already exists", taskID, nodeID)
}
