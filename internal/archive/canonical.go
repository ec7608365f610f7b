package archive

import (
	"strings"
	"unicode"
)

const (
	// TabularExtension is the extension every extracted payload carries.
	TabularExtension = ".csv"

	// ManifestFile and MetadataFullFile are control files. Their names are fixed and they are
	// always propagated, whatever path noise surrounds them inside an archive.
	ManifestFile     = "manifest.csv"
	MetadataFullFile = "metadata_full.csv"

	unnamed = "unnamed"
)

var controlFiles = []string{ManifestFile, MetadataFullFile}

var unsafeChars = strings.NewReplacer(
	`\`, "_", "/", "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// IsControlFile reports whether name is one of the fixed control-file names.
func IsControlFile(name string) bool {
	for _, cf := range controlFiles {
		if name == cf {
			return true
		}
	}
	return false
}

// Canonicalize maps an untrusted archive entry name to a safe output file name that ends
// in TabularExtension. It is idempotent and never returns a name containing a path
// separator or starting with a dot.
func Canonicalize(raw string) string {
	if cf, ok := controlFileIn(raw); ok {
		return cf
	}

	name := raw
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = unsafeChars.Replace(name)
	name = strings.TrimLeftFunc(name, func(r rune) bool {
		return r == '.' || unicode.IsSpace(r)
	})
	name = strings.TrimRightFunc(name, unicode.IsSpace)

	name = forceExtension(name)

	// Extension rewriting can produce a control-file name ("xmanifest.txt" becomes
	// "xmanifest.csv"); collapse it here as well so a second pass is a no-op.
	if cf, ok := controlFileIn(name); ok {
		return cf
	}
	return name
}

func controlFileIn(name string) (string, bool) {
	for _, cf := range controlFiles {
		if strings.Contains(name, cf) {
			return cf, true
		}
	}
	return "", false
}

func forceExtension(name string) string {
	if strings.HasSuffix(strings.ToLower(name), TabularExtension) {
		if len(name) == len(TabularExtension) {
			return unnamed + TabularExtension
		}
		return name
	}

	stem := name
	if i := strings.LastIndex(name, "."); i >= 0 {
		stem = name[:i]
	}
	stem = strings.TrimRightFunc(stem, unicode.IsSpace)
	if stem == "" {
		stem = unnamed
	}
	return stem + TabularExtension
}

// reservedSuffix is appended to data-file ids that would otherwise share a control file's
// dataset, such as "Manifest.csv".
const reservedSuffix = "data"

// DatasetID derives the logical dataset identifier from a canonical name: the tabular
// extension is dropped, the rest lower-cased and reduced to ASCII letters and digits. The
// ids of the control files belong to them alone.
func DatasetID(canonicalName string) string {
	id := datasetID(canonicalName)
	if IsControlFile(canonicalName) {
		return id
	}
	for _, cf := range controlFiles {
		if id == datasetID(cf) {
			return id + reservedSuffix
		}
	}
	return id
}

func datasetID(canonicalName string) string {
	stem := canonicalName
	if strings.HasSuffix(strings.ToLower(stem), TabularExtension) {
		stem = stem[:len(stem)-len(TabularExtension)]
	}

	var b strings.Builder
	for _, r := range strings.ToLower(stem) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return unnamed
	}
	return b.String()
}
