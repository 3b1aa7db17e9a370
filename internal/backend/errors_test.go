// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import "errors"

func isValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
