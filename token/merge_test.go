package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeStepsPositional(t *testing.T) {
	persisted := []Step{
		{Title: "Login", FileName: "login.flow", Status: StepCompleted},
		{Title: "Scrape", FileName: "scrape.flow", Status: StepErrored, Error: "selector missing"},
	}
	declared := []Step{
		{Title: "Login", FileName: "login.flow"},
		{Title: "Scrape", FileName: "scrape.flow"},
		{Title: "Export", FileName: "export.flow"},
	}

	merged := MergeSteps(persisted, declared)

	assert.Len(t, merged, 3)
	assert.Equal(t, StepCompleted, merged[0].Status)
	assert.Equal(t, StepErrored, merged[1].Status)
	assert.Equal(t, "selector missing", merged[1].Error)
	// New step not present in the persisted token starts pending
	assert.Equal(t, StepPending, merged[2].Status)
}

func TestMergeStepsByStableID(t *testing.T) {
	persisted := []Step{
		{StepID: "s-login", Title: "Login", Status: StepCompleted},
		{StepID: "s-export", Title: "Export", Status: StepPending},
	}
	// A step was inserted mid-list; stable ids keep progress attached to
	// the right steps instead of shifting onto the insertion.
	declared := []Step{
		{StepID: "s-login", Title: "Login"},
		{StepID: "s-validate", Title: "Validate"},
		{StepID: "s-export", Title: "Export"},
	}

	merged := MergeSteps(persisted, declared)

	assert.Equal(t, StepCompleted, merged[0].Status)
	assert.Equal(t, StepPending, merged[1].Status)
	assert.Equal(t, StepPending, merged[2].Status)
}

func TestMergeStepsDeclaredMetadataWins(t *testing.T) {
	persisted := []Step{
		{Title: "Old title", FileName: "old.flow", Status: StepCompleted},
	}
	declared := []Step{
		{Title: "New title", FileName: "new.flow"},
	}

	merged := MergeSteps(persisted, declared)

	assert.Equal(t, "New title", merged[0].Title)
	assert.Equal(t, "new.flow", merged[0].FileName)
	assert.Equal(t, StepCompleted, merged[0].Status)
}

func TestMergeStepsShrunkMetadataDropsTrailing(t *testing.T) {
	persisted := []Step{
		{Title: "A", Status: StepCompleted},
		{Title: "B", Status: StepCompleted},
	}
	declared := []Step{
		{Title: "A"},
	}

	merged := MergeSteps(persisted, declared)
	assert.Len(t, merged, 1)
	assert.Equal(t, StepCompleted, merged[0].Status)
}
