package vault

import "strings"

// Extract types accepted by the Direct Data file listing.
const (
	ExtractFull        = "full_directdata"
	ExtractIncremental = "incremental_directdata"
	ExtractLog         = "log_directdata"
	ExtractUnknown     = "unknown"
)

const statusSuccess = "SUCCESS"

// APIError is one entry of the errors array the source API returns on failure.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// VaultInfo describes one vault the authenticated user can reach.
type VaultInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// AuthResponse is the body of a credential exchange.
type AuthResponse struct {
	ResponseStatus string      `json:"responseStatus"`
	SessionID      string      `json:"sessionId"`
	UserID         int         `json:"userId"`
	VaultID        int         `json:"vaultId"`
	VaultIDs       []VaultInfo `json:"vaultIds"`
	Errors         []APIError  `json:"errors,omitempty"`
}

// FileQuery selects which extracts ListFiles returns.
type FileQuery struct {
	ExtractType string
	StartTime   string
	StopTime    string
}

// FilePart is one downloadable part of an extract.
type FilePart struct {
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	FilePart    int    `json:"filepart"`
	Size        int64  `json:"size"`
	MD5Checksum string `json:"md5checksum"`
	URL         string `json:"url"`
}

// ExtractFile is one extract in a listing.
type ExtractFile struct {
	Name            string     `json:"name"`
	Filename        string     `json:"filename"`
	ExtractType     string     `json:"extract_type"`
	StartTime       string     `json:"start_time"`
	StopTime        string     `json:"stop_time"`
	RecordCount     int64      `json:"record_count"`
	Size            int64      `json:"size"`
	FileParts       int        `json:"fileparts"`
	FilePartDetails []FilePart `json:"filepart_details"`
}

// FileListing is the parsed response of ListFiles.
type FileListing struct {
	ResponseStatus  string         `json:"responseStatus"`
	ResponseDetails map[string]any `json:"responseDetails,omitempty"`
	Data            []ExtractFile  `json:"data"`
	Errors          []APIError     `json:"errors,omitempty"`
}

// PartNames returns the names of every downloadable part in the listing, in listing order.
func (l *FileListing) PartNames() []string {
	var names []string
	for _, f := range l.Data {
		for _, p := range f.FilePartDetails {
			names = append(names, p.Name)
		}
	}
	return names
}

func joinAPIErrors(errs []APIError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Type+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}
