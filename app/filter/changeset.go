package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/database"
	"github.com/go-playground/validator/v10"
)

// The largest number of pages a single change set may touch
const MaxChangeSetSize = 1000

// ChangeSet sets the eligibility of a group of pages to one value. Applying the
// same change set more than once has the same effect as applying it once.
type ChangeSet struct {
	PageIDs  []string
	Excluded bool
}

// NewChangeSet validates `ids` and collapses duplicates, keeping the first occurrence of each.
func NewChangeSet(ids []string, excluded bool) (ChangeSet, error) {
	if len(ids) == 0 {
		return ChangeSet{}, apperr.New(apperr.Validation, "pageIds must not be empty")
	}

	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for i, id := range ids {
		if strings.TrimSpace(id) == "" {
			return ChangeSet{}, apperr.Newf(apperr.Validation, "pageIds[%v] is blank", i)
		}
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	if len(unique) > MaxChangeSetSize {
		return ChangeSet{}, apperr.Newf(apperr.Validation, "at most %v pages can be updated at once, got %v", MaxChangeSetSize, len(unique))
	}

	return ChangeSet{PageIDs: unique, Excluded: excluded}, nil
}

// EligibilityUpdate is one entry of a bulk eligibility payload
type EligibilityUpdate struct {
	ID       string `json:"id" validate:"required,max=256"`
	Excluded *bool  `json:"excluded" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseBulk decodes and validates a bulk payload of the form `[{"id": ..., "excluded": ...}]`.
// Any entry that doesn't fit the schema, or an ID that appears with both values, rejects
// the whole payload.
func ParseBulk(data []byte) ([]EligibilityUpdate, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	var updates []EligibilityUpdate
	if err := decoder.Decode(&updates); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "payload must be an array of {id, excluded} objects", err)
	}

	if _, err := ValidateBulk(updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// ValidateBulk checks a bulk payload and returns one change per distinct page, in the
// order the pages first appear.
func ValidateBulk(updates []EligibilityUpdate) ([]database.EligibilityChange, error) {
	if len(updates) == 0 {
		return nil, apperr.New(apperr.Validation, "payload must not be empty")
	}
	if len(updates) > MaxChangeSetSize {
		return nil, apperr.Newf(apperr.Validation, "at most %v pages can be updated at once, got %v", MaxChangeSetSize, len(updates))
	}

	targets := make(map[string]bool, len(updates))
	changes := make([]database.EligibilityChange, 0, len(updates))

	for i, update := range updates {
		if err := validate.Struct(update); err != nil {
			return nil, apperr.Wrap(apperr.Validation, fmt.Sprintf("entry %v is invalid", i), err)
		}
		if strings.TrimSpace(update.ID) == "" {
			return nil, apperr.Newf(apperr.Validation, "entry %v has a blank id", i)
		}

		if previous, ok := targets[update.ID]; ok {
			if previous != *update.Excluded {
				return nil, apperr.Newf(apperr.Validation, "page %v is both excluded and included", update.ID)
			}
			continue
		}
		targets[update.ID] = *update.Excluded
		changes = append(changes, database.EligibilityChange{ID: update.ID, Excluded: *update.Excluded})
	}

	return changes, nil
}
