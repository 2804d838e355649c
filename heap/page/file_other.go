//go:build !unix

package page

// NewFileSource is not available without shared file mappings.
func NewFileSource(path string, cfg Config) (*Provider, error) {
	return nil, ErrUnsupported
}
