//go:build !darwin

package securestore

// Open returns the best available Store for this platform. No OS
// credential vault binding in the example corpus covers a non-Darwin
// platform, so everywhere but macOS falls back to the encrypted
// FileBackend rooted at dir.
func Open(dir string) (Store, error) {
	return NewFileBackend(dir)
}
