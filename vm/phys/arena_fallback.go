//go:build !unix

package phys

// newArena allocates the frame arena on the Go heap when anonymous
// mappings are not available.
func newArena(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
