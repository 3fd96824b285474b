//go:build !debug_shm_store

package shmstore

// DebugValidate calls Validate on the provided object and panics if any
// error is returned. This method no-ops unless the debug_shm_store
// build tag is present.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 verifies that the numerical value passed in is a power
// of two, and panics if it is not. This method no-ops unless the
// debug_shm_store build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
