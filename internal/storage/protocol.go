package storage

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/skyferry/skyferry/internal/transfer"
)

// S3 header and query names.
const (
	headerETag      = "ETag"
	headerVersionID = "x-amz-version-id"
	headerRequestID = "x-amz-request-id"

	queryVersionID = "versionId"
	queryUploadID  = "uploadId"
)

// S3 implements transfer.Protocol for the S3 REST API.
type S3 struct{}

var _ transfer.Protocol = S3{}

// HashFromHeaders returns the ETag without its quotes.
func (S3) HashFromHeaders(h http.Header) string {
	return unquote(h.Get(headerETag))
}

// VersionFromHeaders returns x-amz-version-id. Unversioned buckets report
// "null", which is returned as "".
func (S3) VersionFromHeaders(h http.Header) string {
	v := h.Get(headerVersionID)
	if v == "null" {
		return ""
	}
	return v
}

// VersionQuery selects an object version.
func (S3) VersionQuery(version string) string {
	return queryVersionID + "=" + escape(version, false)
}

// InitiateQuery returns the query of CreateMultipartUpload.
func (S3) InitiateQuery() string {
	return "uploads"
}

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// ParseInitiate extracts the upload id.
func (S3) ParseInitiate(body []byte) (string, error) {
	var result initiateMultipartUploadResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.UploadID == "" {
		return "", errors.New("response carries no upload id")
	}
	return result.UploadID, nil
}

// PartQuery returns the query of UploadPart.
func (S3) PartQuery(uploadID string, number int) string {
	return "partNumber=" + strconv.Itoa(number) + "&" + queryUploadID + "=" + escape(uploadID, false)
}

// CompleteQuery returns the query of CompleteMultipartUpload.
func (S3) CompleteQuery(uploadID string) string {
	return queryUploadID + "=" + escape(uploadID, false)
}

type completeMultipartUpload struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []completePart `xml:"Part"`
}

type completePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompleteBody encodes the part list in part number order.
func (S3) CompleteBody(parts []transfer.CompletedPart) ([]byte, error) {
	doc := completeMultipartUpload{Parts: make([]completePart, len(parts))}
	for i, p := range parts {
		doc.Parts[i] = completePart{PartNumber: p.Number, ETag: strconv.Quote(p.ID)}
	}
	return xml.Marshal(doc)
}

type completeMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

// ParseComplete extracts the final ETag and version. S3 may answer the
// complete request with status 200 and an error document; an InternalError
// document is reported as status 500 so it is retried.
func (s S3) ParseComplete(h http.Header, body []byte) (string, string, error) {
	if isErrorDocument(body) {
		statusErr := parseErrorDocument(http.StatusOK, h, body)
		if statusErr.Code == "InternalError" {
			statusErr.StatusCode = http.StatusInternalServerError
		}
		return "", "", statusErr
	}

	var result completeMultipartUploadResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return "", "", err
	}

	return unquote(result.ETag), s.VersionFromHeaders(h), nil
}

// ParseError decodes an S3 error document. Bodies that are not one, such
// as the empty body of a HEAD response, yield a bare status error.
func (S3) ParseError(status int, h http.Header, body []byte) *transfer.StatusError {
	return parseErrorDocument(status, h, body)
}

type errorDocument struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
}

func isErrorDocument(body []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local == "Error"
		}
	}
}

func parseErrorDocument(status int, h http.Header, body []byte) *transfer.StatusError {
	statusErr := &transfer.StatusError{StatusCode: status, RequestID: h.Get(headerRequestID)}

	var doc errorDocument
	if len(body) > 0 && xml.Unmarshal(body, &doc) == nil {
		statusErr.Code = doc.Code
		statusErr.Message = doc.Message
		if doc.RequestID != "" {
			statusErr.RequestID = doc.RequestID
		}
	}

	return statusErr
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}

// escape percent-encodes s the way SigV4 canonicalizes URIs: every byte but
// the unreserved characters, and '/' when keepSlash is set.
func escape(s string, keepSlash bool) string {
	var b strings.Builder
	for i := range len(s) {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && keepSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
