package vault

import (
	"strings"

	"vault-ingest/internal/utils"
)

const (
	partSuffix    = ".001"
	archiveSuffix = ".tar.gz"
)

// ValidatePartName rejects part names that could escape a working directory.
func ValidatePartName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return utils.NewValidationError("file name is required", "")
	case strings.ContainsAny(name, `/\`), strings.Contains(name, ".."):
		return utils.NewValidationError("file name must not contain path elements", name)
	}
	return nil
}

// ArchiveName maps a part name such as 56006-20250617-0000-F.001 to the archive file name
// 56006-20250617-0000-F.tar.gz. Other names are returned unchanged.
func ArchiveName(partName string) string {
	if strings.HasSuffix(partName, partSuffix) {
		return strings.TrimSuffix(partName, partSuffix) + archiveSuffix
	}
	return partName
}

// WorkDirName is the archive name without its .tar.gz suffix.
func WorkDirName(partName string) string {
	return strings.TrimSuffix(ArchiveName(partName), archiveSuffix)
}

// ExtractTypeOf infers the extract type from the F/N/L marker that ends a part stem.
func ExtractTypeOf(partName string) string {
	stem := WorkDirName(partName)
	switch {
	case strings.HasSuffix(stem, "-F"):
		return ExtractFull
	case strings.HasSuffix(stem, "-N"):
		return ExtractIncremental
	case strings.HasSuffix(stem, "-L"):
		return ExtractLog
	default:
		return ExtractUnknown
	}
}
