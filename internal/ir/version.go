package ir

// Version constants stamped into whiteboard metadata and CLI output.
const (
	// FormatVersion is the version of the storage layout (URIs, meta files).
	FormatVersion = "1"

	// ClientVersion is the lazyflow client version.
	ClientVersion = "0.1.0"
)
