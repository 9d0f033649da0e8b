package transfer

import "net/http"

// CompletedPart identifies an uploaded part in the completion request.
type CompletedPart struct {
	// Number is the 1-based part number.
	Number int
	ID     string
}

// Protocol supplies the provider-specific pieces of the wire format: how
// metadata is read from response headers, the query strings of the
// multipart handshake, and the codecs of its request and response bodies.
type Protocol interface {
	// HashFromHeaders returns the content hash reported by the server.
	HashFromHeaders(h http.Header) string
	// VersionFromHeaders returns the object version, or "" if unversioned.
	VersionFromHeaders(h http.Header) string
	// VersionQuery returns the query selecting a specific object version.
	VersionQuery(version string) string

	// InitiateQuery returns the query of the initiate request.
	InitiateQuery() string
	// ParseInitiate extracts the upload id from the initiate response.
	ParseInitiate(body []byte) (uploadID string, err error)
	// PartQuery returns the query of an upload-part request.
	PartQuery(uploadID string, number int) string
	// CompleteQuery returns the query of the complete request.
	CompleteQuery(uploadID string) string
	// CompleteBody encodes the complete request body.
	CompleteBody(parts []CompletedPart) ([]byte, error)
	// ParseComplete extracts the final hash and version. It returns a
	// *StatusError when a successful status carries an error document.
	ParseComplete(h http.Header, body []byte) (hash, version string, err error)

	// ParseError builds the error for a non-2xx response.
	ParseError(status int, h http.Header, body []byte) *StatusError
}
