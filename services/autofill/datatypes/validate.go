// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// autofillValidate is shared by all payload types. validator.Validate
// caches struct metadata and is safe for concurrent use.
var autofillValidate *validator.Validate

func init() {
	autofillValidate = validator.New()
	_ = autofillValidate.RegisterValidation("fieldkinds", validateFieldKinds)
}

// validateFieldKinds rejects sets containing kinds outside the tracked four.
func validateFieldKinds(fl validator.FieldLevel) bool {
	set, ok := fl.Field().Interface().(FieldKindSet)
	if !ok {
		return false
	}
	for k := range set {
		if !k.Valid() {
			return false
		}
	}
	return true
}

// Validate checks struct tags on v (a struct or pointer to struct).
//
// # Outputs
//
//   - error: nil when valid; otherwise the first failing field in a
//     readable "field: rule" form.
func Validate(v any) error {
	if err := autofillValidate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %s", fe.Namespace(), fe.Tag())
		}
		return err
	}
	return nil
}

// ValidatePredictions validates every item of a backend response.
func ValidatePredictions(preds []PredictionItem) error {
	for i := range preds {
		if err := Validate(&preds[i]); err != nil {
			return fmt.Errorf("prediction %d: %w", i, err)
		}
	}
	return nil
}
