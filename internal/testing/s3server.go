package testing

import (
	"bytes"
	"crypto/md5" //nolint:gosec // S3 ETags are MD5
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/skyferry/skyferry/internal/contenthash"
)

// FakeObject is a stored object version in the fake S3 server.
type FakeObject struct {
	Data      []byte
	ETag      string
	VersionID string
}

// RecordedRequest is a request seen by the fake S3 server.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Size   int64
}

// Match selects requests for failure injection.
type Match func(r *http.Request) bool

// MatchMethod matches requests with the given method.
func MatchMethod(method string) Match {
	return func(r *http.Request) bool {
		return r.Method == method
	}
}

// MatchPart matches upload-part requests for part number n.
func MatchPart(n int) Match {
	return func(r *http.Request) bool {
		return r.URL.Query().Get("partNumber") == strconv.Itoa(n)
	}
}

// MatchRange matches GET requests whose Range starts at offset.
func MatchRange(offset int64) Match {
	return func(r *http.Request) bool {
		return r.Method == http.MethodGet &&
			strings.HasPrefix(r.Header.Get("Range"), "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
}

// MatchQuery matches requests carrying the query key.
func MatchQuery(key string) Match {
	return func(r *http.Request) bool {
		return r.URL.Query().Has(key)
	}
}

type rule struct {
	match Match
	// statuses are returned one per matching request; sticky repeats the
	// last one forever.
	statuses []int
	sticky   bool
	delay    time.Duration
	stall    bool
}

type fakeUpload struct {
	key   string
	parts map[int][]byte
}

// S3Server is a mock S3 API server for testing. It stores objects in
// memory under their full request path, so the first path segment acts as
// the bucket.
type S3Server struct {
	*httptest.Server

	echo *echo.Echo
	stop chan struct{}
	once sync.Once

	mu            sync.Mutex
	objects       map[string][]*FakeObject
	uploads       map[string]*fakeUpload
	requests      []RecordedRequest
	rules         []*rule
	open          int
	maxOpen       int
	nextID        int
	versioning    bool
	requireAuth   bool
	completeError string
}

// NewS3Server creates and starts a mock S3 server.
func NewS3Server() *S3Server {
	s := &S3Server{
		echo:    echo.New(),
		stop:    make(chan struct{}),
		objects: make(map[string][]*FakeObject),
		uploads: make(map[string]*fakeUpload),
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.track)

	s.echo.HEAD("/*", s.handleHead)
	s.echo.GET("/*", s.handleGet)
	s.echo.PUT("/*", s.handlePut)
	s.echo.POST("/*", s.handlePost)
	s.echo.DELETE("/*", s.handleDelete)

	s.Server = httptest.NewServer(s.echo)
	return s
}

// Close releases stalled requests and shuts the server down.
func (s *S3Server) Close() {
	s.once.Do(func() { close(s.stop) })
	s.Server.Close()
}

// EnableVersioning makes every write create a new object version.
func (s *S3Server) EnableVersioning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versioning = true
}

// RequireAuth rejects unsigned requests with 403.
func (s *S3Server) RequireAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireAuth = true
}

// PutObject stores data under path and returns the stored version.
func (s *S3Server) PutObject(path string, data []byte) *FakeObject {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := md5.Sum(data) //nolint:gosec // ETag
	return s.storeLocked(path, data, hex.EncodeToString(sum[:]))
}

// Object returns the current version of the object at path.
func (s *S3Server) Object(path string) (*FakeObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.objects[path]
	if len(versions) == 0 {
		return nil, false
	}
	return versions[len(versions)-1], true
}

// Uploads returns the ids of multipart uploads that are neither completed
// nor aborted.
func (s *S3Server) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.uploads))
	for id := range s.uploads {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Fail answers the next matching requests with statuses, one each.
func (s *S3Server) Fail(match Match, statuses ...int) {
	s.addRule(&rule{match: match, statuses: statuses})
}

// FailAlways answers every matching request with status.
func (s *S3Server) FailAlways(match Match, status int) {
	s.addRule(&rule{match: match, statuses: []int{status}, sticky: true})
}

// Delay holds every matching request for d before answering it.
func (s *S3Server) Delay(match Match, d time.Duration) {
	s.addRule(&rule{match: match, delay: d, sticky: true})
}

// Stall holds every matching request until the client goes away or the
// server is closed.
func (s *S3Server) Stall(match Match) {
	s.addRule(&rule{match: match, stall: true, sticky: true})
}

// CompleteWithError answers the next complete-multipart request with
// status 200 and an error document carrying code.
func (s *S3Server) CompleteWithError(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeError = code
}

// Requests returns every request seen so far.
func (s *S3Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// CountRequests counts recorded requests accepted by match.
func (s *S3Server) CountRequests(match func(RecordedRequest) bool) int {
	n := 0
	for _, r := range s.Requests() {
		if match(r) {
			n++
		}
	}
	return n
}

// MaxConcurrent returns the highest number of simultaneously open requests.
func (s *S3Server) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOpen
}

// Reset clears objects, uploads, rules and recorded requests.
func (s *S3Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects = make(map[string][]*FakeObject)
	s.uploads = make(map[string]*fakeUpload)
	s.requests = nil
	s.rules = nil
	s.maxOpen = 0
	s.completeError = ""
}

func (s *S3Server) addRule(r *rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
}

// track records the request, keeps the concurrency high-water mark and
// applies injected failures.
func (s *S3Server) track(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method: req.Method,
			Path:   req.URL.Path,
			Query:  req.URL.RawQuery,
			Header: req.Header.Clone(),
			Size:   req.ContentLength,
		})
		s.open++
		s.maxOpen = max(s.maxOpen, s.open)
		status, delay, stall := s.injectLocked(req)
		requireAuth := s.requireAuth
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.open--
			s.mu.Unlock()
		}()

		if stall {
			select {
			case <-req.Context().Done():
			case <-s.stop:
			}
			return nil
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return nil
			case <-s.stop:
				return nil
			}
		}

		if status != 0 {
			_, _ = io.Copy(io.Discard, req.Body)
			return s.writeError(c, status, errorCode(status))
		}

		if requireAuth && !strings.HasPrefix(req.Header.Get("Authorization"), "AWS4-HMAC-SHA256 ") {
			return s.writeError(c, http.StatusForbidden, "AccessDenied")
		}

		return next(c)
	}
}

func (s *S3Server) injectLocked(req *http.Request) (status int, delay time.Duration, stall bool) {
	for _, r := range s.rules {
		if !r.match(req) {
			continue
		}

		switch {
		case r.stall:
			return 0, 0, true
		case r.delay > 0:
			delay = r.delay
			continue
		case len(r.statuses) == 0:
			continue
		}

		status = r.statuses[0]
		if len(r.statuses) > 1 || !r.sticky {
			r.statuses = r.statuses[1:]
		}
		return status, delay, false
	}
	return 0, delay, false
}

func (s *S3Server) handleHead(c echo.Context) error {
	obj, status := s.lookup(c)
	if obj == nil {
		return c.NoContent(status)
	}

	s.objectHeaders(c, obj)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(obj.Data)))
	return c.NoContent(http.StatusOK)
}

func (s *S3Server) handleGet(c echo.Context) error {
	obj, status := s.lookup(c)
	if obj == nil {
		return s.writeError(c, status, errorCode(status))
	}

	s.objectHeaders(c, obj)
	data := obj.Data
	status = http.StatusOK

	if rng := c.Request().Header.Get("Range"); rng != "" {
		var start, end int64
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil ||
			start > end || end >= int64(len(data)) {
			return s.writeError(c, http.StatusRequestedRangeNotSatisfiable, "InvalidRange")
		}
		c.Response().Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		data = data[start : end+1]
		status = http.StatusPartialContent
	}

	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(data)))
	return c.Blob(status, echo.MIMEOctetStream, data)
}

func (s *S3Server) handlePut(c echo.Context) error {
	req := c.Request()

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil //nolint:nilerr // client went away
	}

	sum := md5.Sum(data) //nolint:gosec // ETag
	if want := req.Header.Get("Content-MD5"); want != "" && want != base64.StdEncoding.EncodeToString(sum[:]) {
		return s.writeError(c, http.StatusBadRequest, "BadDigest")
	}
	etag := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if uploadID := req.URL.Query().Get("uploadId"); uploadID != "" {
		up, ok := s.uploads[uploadID]
		if !ok {
			return s.writeError(c, http.StatusNotFound, "NoSuchUpload")
		}
		n, err := strconv.Atoi(req.URL.Query().Get("partNumber"))
		if err != nil || n < 1 {
			return s.writeError(c, http.StatusBadRequest, "InvalidArgument")
		}
		up.parts[n] = data
		c.Response().Header().Set("ETag", strconv.Quote(etag))
		return c.NoContent(http.StatusOK)
	}

	obj := s.storeLocked(req.URL.Path, data, etag)
	s.objectHeaders(c, obj)
	return c.NoContent(http.StatusOK)
}

type initiateResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completeRequest struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []struct {
		PartNumber int    `xml:"PartNumber"`
		ETag       string `xml:"ETag"`
	} `xml:"Part"`
}

type completeResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

func (s *S3Server) handlePost(c echo.Context) error {
	req := c.Request()
	query := req.URL.Query()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil //nolint:nilerr // client went away
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, key := splitPath(req.URL.Path)

	if query.Has("uploads") {
		s.nextID++
		id := fmt.Sprintf("upload-%d", s.nextID)
		s.uploads[id] = &fakeUpload{key: req.URL.Path, parts: make(map[int][]byte)}
		return c.XML(http.StatusOK, initiateResult{Bucket: bucket, Key: key, UploadID: id})
	}

	uploadID := query.Get("uploadId")
	up, ok := s.uploads[uploadID]
	if !ok {
		return s.writeError(c, http.StatusNotFound, "NoSuchUpload")
	}

	if s.completeError != "" {
		code := s.completeError
		s.completeError = ""
		return c.XMLBlob(http.StatusOK, errorDocument(code, "injected error"))
	}

	var complete completeRequest
	if err := xml.Unmarshal(body, &complete); err != nil || len(complete.Parts) == 0 {
		return s.writeError(c, http.StatusBadRequest, "MalformedXML")
	}

	var data bytes.Buffer
	digests := make([][]byte, 0, len(complete.Parts))
	for i, p := range complete.Parts {
		part, ok := up.parts[p.PartNumber]
		if !ok || p.PartNumber != i+1 {
			return s.writeError(c, http.StatusBadRequest, "InvalidPart")
		}
		sum := md5.Sum(part) //nolint:gosec // ETag
		if strings.Trim(p.ETag, `"`) != hex.EncodeToString(sum[:]) {
			return s.writeError(c, http.StatusBadRequest, "InvalidPart")
		}
		digests = append(digests, sum[:])
		data.Write(part)
	}

	delete(s.uploads, uploadID)
	obj := s.storeLocked(up.key, data.Bytes(), contenthash.Composite(digests))
	if obj.VersionID != "" {
		c.Response().Header().Set("x-amz-version-id", obj.VersionID)
	}

	return c.XML(http.StatusOK, completeResult{
		Location: s.URL + up.key,
		Bucket:   bucket,
		Key:      key,
		ETag:     strconv.Quote(obj.ETag),
	})
}

func (s *S3Server) handleDelete(c echo.Context) error {
	req := c.Request()

	s.mu.Lock()
	defer s.mu.Unlock()

	if uploadID := req.URL.Query().Get("uploadId"); uploadID != "" {
		if _, ok := s.uploads[uploadID]; !ok {
			return s.writeError(c, http.StatusNotFound, "NoSuchUpload")
		}
		delete(s.uploads, uploadID)
		return c.NoContent(http.StatusNoContent)
	}

	delete(s.objects, req.URL.Path)
	return c.NoContent(http.StatusNoContent)
}

// lookup finds the requested object version, or the status to answer with.
func (s *S3Server) lookup(c echo.Context) (*FakeObject, int) {
	req := c.Request()
	version := req.URL.Query().Get("versionId")

	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.objects[req.URL.Path]
	if len(versions) == 0 {
		return nil, http.StatusNotFound
	}
	if version == "" {
		return versions[len(versions)-1], http.StatusOK
	}
	for _, v := range versions {
		if v.VersionID == version {
			return v, http.StatusOK
		}
	}
	return nil, http.StatusNotFound
}

func (s *S3Server) storeLocked(path string, data []byte, etag string) *FakeObject {
	obj := &FakeObject{Data: slices.Clone(data), ETag: etag}
	if s.versioning {
		s.nextID++
		obj.VersionID = fmt.Sprintf("v%d", s.nextID)
		s.objects[path] = append(s.objects[path], obj)
	} else {
		s.objects[path] = []*FakeObject{obj}
	}
	return obj
}

func (s *S3Server) objectHeaders(c echo.Context, obj *FakeObject) {
	h := c.Response().Header()
	h.Set("ETag", strconv.Quote(obj.ETag))
	if obj.VersionID != "" {
		h.Set("x-amz-version-id", obj.VersionID)
	}
}

func (s *S3Server) writeError(c echo.Context, status int, code string) error {
	c.Response().Header().Set("x-amz-request-id", "fake-request")
	if c.Request().Method == http.MethodHead {
		return c.NoContent(status)
	}
	return c.XMLBlob(status, errorDocument(code, http.StatusText(status)))
}

func errorDocument(code, message string) []byte {
	return fmt.Appendf(nil,
		"<Error><Code>%s</Code><Message>%s</Message><RequestId>fake-request</RequestId></Error>",
		code, message)
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BadRequest"
	case http.StatusForbidden:
		return "AccessDenied"
	case http.StatusNotFound:
		return "NoSuchKey"
	case http.StatusRequestTimeout:
		return "RequestTimeout"
	case http.StatusTooManyRequests:
		return "SlowDown"
	case http.StatusServiceUnavailable:
		return "ServiceUnavailable"
	default:
		return "InternalError"
	}
}

func splitPath(path string) (bucket, key string) {
	bucket, key, _ = strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return bucket, key
}
