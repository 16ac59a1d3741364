package vault

import "errors"

// Sentinel errors for vault operations. Wrap with context and test with
// errors.Is.
var (
	// ErrNotFound indicates the document does not exist in the folder.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists indicates a create would overwrite an existing
	// document.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrUnknownFolder indicates a folder outside the fixed taxonomy.
	ErrUnknownFolder = errors.New("unknown vault folder")
)
