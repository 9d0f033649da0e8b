package transfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/skyferry/skyferry/internal/contenthash"
	"github.com/skyferry/skyferry/internal/events"
	"github.com/skyferry/skyferry/internal/future"
	"github.com/skyferry/skyferry/internal/metrics"
)

// headStep sizes a download.
type headStep struct {
	budget
	t *Transfer
}

func (s *headStep) label() string { return metrics.RequestHead }

func (s *headStep) buildRequest() (*request, error) {
	return &request{
		label:  s.label(),
		method: http.MethodHead,
		path:   s.t.path,
		query:  s.t.versionQuery(),
	}, nil
}

func (s *headStep) onSuccess(resp *response) error {
	t := s.t
	p := t.engine.protocol

	size := resp.contentLength
	if v := resp.header.Get("Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid content length %q: %w", v, err)
		}
		size = n
	}
	if size < 0 {
		return errors.New("server did not report the object length")
	}

	if err := t.dst.Truncate(size); err != nil {
		return &LocalIOError{Op: "truncate", Err: err}
	}

	t.mu.Lock()
	t.size = size
	t.hash = p.HashFromHeaders(resp.header)
	if t.version == "" {
		t.version = p.VersionFromHeaders(resp.header)
	}
	t.mu.Unlock()

	t.startParts(Split(size, t.cfg.PartSize))
	return nil
}

func (s *headStep) isRetryable(err error) bool { return IsRetryable(err) }

// initiateStep obtains the upload id of a multipart upload.
type initiateStep struct {
	budget
	t *Transfer
}

func (s *initiateStep) label() string { return metrics.RequestInitiate }

func (s *initiateStep) buildRequest() (*request, error) {
	return &request{
		label:  s.label(),
		method: http.MethodPost,
		path:   s.t.path,
		query:  s.t.engine.protocol.InitiateQuery(),
		body:   []byte{},
	}, nil
}

func (s *initiateStep) onSuccess(resp *response) error {
	t := s.t

	uploadID, err := t.engine.protocol.ParseInitiate(resp.body)
	if err != nil {
		return fmt.Errorf("parse initiate response: %w", err)
	}

	t.mu.Lock()
	t.uploadID = uploadID
	size := t.size
	t.mu.Unlock()

	t.publish(events.UploadInitiated, map[string]any{"upload_id": uploadID})
	t.logger.Debug().Str("upload_id", uploadID).Msg("multipart upload initiated")

	ranges := Split(size, t.cfg.PartSize)
	if len(ranges) == 0 {
		ranges = []Range{{}}
	}
	t.startParts(ranges)
	return nil
}

func (s *initiateStep) isRetryable(err error) bool { return IsRetryable(err) }

// partStep moves one part: a ranged GET for downloads, a PUT otherwise.
type partStep struct {
	t *Transfer
	p *part
}

func (s *partStep) label() string {
	if s.t.kind == KindDownload {
		return metrics.RequestGetPart
	}
	return metrics.RequestPutPart
}

func (s *partStep) buildRequest() (*request, error) {
	t, p := s.t, s.p
	t.setPartState(p, PartInitiating)

	req := &request{
		label:   s.label(),
		path:    t.path,
		header:  make(http.Header),
		rng:     p.Range,
		started: func() { t.partStarted(p) },
	}

	if t.kind == KindDownload {
		req.method = http.MethodGet
		req.query = t.versionQuery()
		req.header.Set("Range", p.HTTPRange())
		req.dst = t.dst
		return req, nil
	}

	req.method = http.MethodPut
	req.src = t.src

	digest, err := contenthash.MD5Range(t.src, p.Offset, p.Length)
	if err != nil {
		return nil, &LocalIOError{Op: "read", Err: err}
	}
	req.header.Set("Content-MD5", contenthash.ContentMD5(digest))
	if p.Length > 0 {
		req.header.Set("Expect", "100-continue")
	}

	if t.kind == KindMultipartUpload {
		req.query = t.engine.protocol.PartQuery(t.UploadID(), p.index+1)
	}

	req.payloadHash = contenthash.EmptySHA256
	if t.runner.session.signer.Enabled() && p.Length > 0 {
		sum, err := contenthash.SHA256Range(t.src, p.Offset, p.Length)
		if err != nil {
			return nil, &LocalIOError{Op: "read", Err: err}
		}
		req.payloadHash = hex.EncodeToString(sum)
	}

	return req, nil
}

func (s *partStep) onSuccess(resp *response) error {
	t, p := s.t, s.p
	proto := t.engine.protocol

	var id string
	switch t.kind {
	case KindDownload:
	case KindUpload:
		id = proto.HashFromHeaders(resp.header)
		t.mu.Lock()
		t.hash = id
		t.version = proto.VersionFromHeaders(resp.header)
		t.mu.Unlock()
	case KindMultipartUpload:
		id = proto.HashFromHeaders(resp.header)
		if id == "" {
			return fmt.Errorf("part %d: server returned no part id", p.index+1)
		}
	}

	t.partSucceeded(p, id)
	return nil
}

func (s *partStep) isRetryable(err error) bool { return IsRetryable(err) }

func (s *partStep) retry(maxCount int) bool {
	exhausted := s.p.retry(maxCount)
	s.t.publishPart(s.p, s.p.getState())
	return exhausted
}

func (s *partStep) failed() {
	if s.p.getState() != PartFailed {
		s.t.setPartState(s.p, PartFailed)
	}
}

// completeStep closes a multipart upload once every part succeeded.
type completeStep struct {
	budget
	t *Transfer
}

func (s *completeStep) label() string { return metrics.RequestComplete }

func (s *completeStep) buildRequest() (*request, error) {
	t := s.t
	infos := t.Parts()

	parts := make([]CompletedPart, len(infos))
	for i, info := range infos {
		parts[i] = CompletedPart{Number: info.Index + 1, ID: info.ID}
	}

	body, err := t.engine.protocol.CompleteBody(parts)
	if err != nil {
		return nil, fmt.Errorf("encode complete request: %w", err)
	}

	return &request{
		label:  s.label(),
		method: http.MethodPost,
		path:   t.path,
		query:  t.engine.protocol.CompleteQuery(t.UploadID()),
		header: http.Header{"Content-Type": []string{"application/xml"}},
		body:   body,
	}, nil
}

func (s *completeStep) onSuccess(resp *response) error {
	t := s.t

	hash, version, err := t.engine.protocol.ParseComplete(resp.header, resp.body)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.hash = hash
	t.version = version
	t.mu.Unlock()

	t.future.Succeed(t.result())
	return nil
}

func (s *completeStep) isRetryable(err error) bool { return IsRetryable(err) }

// requestStep runs a standalone Call.
type requestStep struct {
	budget
	call   Call
	future *future.Future[*Response]
}

func (s *requestStep) label() string { return s.call.Label }

func (s *requestStep) buildRequest() (*request, error) {
	body := s.call.Body
	if body == nil && (s.call.Method == http.MethodPut || s.call.Method == http.MethodPost) {
		body = []byte{}
	}

	return &request{
		label:  s.call.Label,
		method: s.call.Method,
		path:   s.call.Path,
		query:  s.call.Query,
		header: s.call.Header,
		body:   body,
	}, nil
}

func (s *requestStep) onSuccess(resp *response) error {
	s.future.Succeed(&Response{
		StatusCode:    resp.status,
		Header:        resp.header,
		Body:          resp.body,
		ContentLength: resp.contentLength,
	})
	return nil
}

func (s *requestStep) isRetryable(err error) bool { return IsRetryable(err) }

func (t *Transfer) versionQuery() string {
	v := t.Version()
	if v == "" {
		return ""
	}
	return t.engine.protocol.VersionQuery(v)
}
