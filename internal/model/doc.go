// Package model provides the value types shared by every covenant package.
//
// This package contains type definitions, typed update methods and the error
// taxonomy only. All other internal packages import model; model imports
// nothing internal.
//
// Key design constraints:
//   - Every amount and count is an int64; no floats anywhere
//   - Update methods take a value and return a new value, never mutate shared state
//   - List and map fields are serialized as canonical JSON at the storage boundary
//   - All JSON tags use snake_case
package model
