package registry

import "fmt"

// NotFoundError is returned when an operation names an unknown
// provider id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry: provider %q not found", e.ID)
}

// DuplicateError is returned by Install when the fetched manifest's id
// already names an installed provider (SPEC_FULL.md §4.6: "rejects
// duplicate ID, update path explicit").
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("registry: provider %q already installed", e.ID)
}

// InvalidURLError is returned by Install when the given base URL fails
// validation.
type InvalidURLError struct {
	URL string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("registry: invalid manifest base url %q", e.URL)
}
