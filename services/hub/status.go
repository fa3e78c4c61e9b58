package hub

// PackageStatus is a step in the package lifecycle.
type PackageStatus string

const (
	StatusUploaded          PackageStatus = "UPLOADED"
	StatusProcessing        PackageStatus = "PROCESSING"
	StatusProcessed         PackageStatus = "PROCESSED"
	StatusErrorFileNotFound PackageStatus = "ERROR_FILE_NOT_FOUND"
	StatusErrorChecksum     PackageStatus = "ERROR_CHECKSUM_MISMATCH"
	StatusErrorEncryption   PackageStatus = "ERROR_ENCRYPTION"
	StatusErrorDecryption   PackageStatus = "ERROR_DECRYPTION"
	StatusError             PackageStatus = "ERROR"
	StatusMarkedAsDeleted   PackageStatus = "MARKED_AS_DELETED"
)

var knownStatuses = map[PackageStatus]struct{}{
	StatusUploaded:          {},
	StatusProcessing:        {},
	StatusProcessed:         {},
	StatusErrorFileNotFound: {},
	StatusErrorChecksum:     {},
	StatusErrorEncryption:   {},
	StatusErrorDecryption:   {},
	StatusError:             {},
	StatusMarkedAsDeleted:   {},
}

// ParsePackageStatus maps a persisted value to a status. Unknown values map to
// StatusError with ok=false so callers can flag the record as corrupt.
func ParsePackageStatus(raw string) (status PackageStatus, ok bool) {
	s := PackageStatus(raw)
	if _, known := knownStatuses[s]; !known {
		return StatusError, false
	}
	return s, true
}

// Terminal reports whether processing has finished, successfully or not.
func (s PackageStatus) Terminal() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusMarkedAsDeleted:
		return false
	default:
		return true
	}
}

// Failed reports whether s is one of the error states.
func (s PackageStatus) Failed() bool {
	return s.Terminal() && s != StatusProcessed
}
