package storage_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/internal/storage"
	"github.com/skyferry/skyferry/internal/transfer"
)

func TestS3Headers(t *testing.T) {
	h := http.Header{}
	h.Set("ETag", `"9b2cf535f27731c974343645a3985328"`)
	h.Set("x-amz-version-id", "3HL4kqtJlcpXroDTDmjVBH40Nrjfkd")

	p := storage.S3{}
	assert.Equal(t, "9b2cf535f27731c974343645a3985328", p.HashFromHeaders(h))
	assert.Equal(t, "3HL4kqtJlcpXroDTDmjVBH40Nrjfkd", p.VersionFromHeaders(h))

	h.Set("x-amz-version-id", "null")
	assert.Empty(t, p.VersionFromHeaders(h))
}

func TestS3Queries(t *testing.T) {
	p := storage.S3{}
	assert.Equal(t, "uploads", p.InitiateQuery())
	assert.Equal(t, "partNumber=7&uploadId=a%2Fb%3D", p.PartQuery("a/b=", 7))
	assert.Equal(t, "uploadId=abc", p.CompleteQuery("abc"))
	assert.Equal(t, "versionId=v%2B1", p.VersionQuery("v+1"))
}

func TestS3Initiate(t *testing.T) {
	p := storage.S3{}

	id, err := p.ParseInitiate([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<InitiateMultipartUploadResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Bucket>example-bucket</Bucket>
  <Key>example-object</Key>
  <UploadId>VXBsb2FkIElEIGZvciA2aWWpbmcncyBteS1tb3ZpZS5tMnRzIHVwbG9hZA</UploadId>
</InitiateMultipartUploadResult>`))
	require.NoError(t, err)
	assert.Equal(t, "VXBsb2FkIElEIGZvciA2aWWpbmcncyBteS1tb3ZpZS5tMnRzIHVwbG9hZA", id)

	_, err = p.ParseInitiate([]byte(`<InitiateMultipartUploadResult></InitiateMultipartUploadResult>`))
	require.Error(t, err)

	_, err = p.ParseInitiate([]byte(`not xml`))
	require.Error(t, err)
}

func TestS3Complete(t *testing.T) {
	p := storage.S3{}

	body, err := p.CompleteBody([]transfer.CompletedPart{
		{Number: 1, ID: "a54357aff0632cce46d942af68356b38"},
		{Number: 2, ID: "0c78aef83f66abc1fa1e8477f296d394"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`<CompleteMultipartUpload>`+
			`<Part><PartNumber>1</PartNumber><ETag>&#34;a54357aff0632cce46d942af68356b38&#34;</ETag></Part>`+
			`<Part><PartNumber>2</PartNumber><ETag>&#34;0c78aef83f66abc1fa1e8477f296d394&#34;</ETag></Part>`+
			`</CompleteMultipartUpload>`,
		string(body))

	t.Run("result", func(t *testing.T) {
		h := http.Header{}
		h.Set("x-amz-version-id", "v2")

		hash, version, err := p.ParseComplete(h, []byte(`<CompleteMultipartUploadResult>
  <Location>http://example-bucket.s3.amazonaws.com/example-object</Location>
  <Bucket>example-bucket</Bucket>
  <Key>example-object</Key>
  <ETag>"3858f62230ac3c915f300c664312c11f-9"</ETag>
</CompleteMultipartUploadResult>`))
		require.NoError(t, err)
		assert.Equal(t, "3858f62230ac3c915f300c664312c11f-9", hash)
		assert.Equal(t, "v2", version)
	})

	tests := []struct {
		name   string
		code   string
		status int
	}{
		{name: "internal error is retried", code: "InternalError", status: http.StatusInternalServerError},
		{name: "other errors keep status 200", code: "AccessDenied", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := p.ParseComplete(http.Header{}, []byte(
				`<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>`+tt.code+`</Code><Message>boom</Message><RequestId>4442587FB7D0A2F9</RequestId></Error>`))

			var statusErr *transfer.StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.code, statusErr.Code)
			assert.Equal(t, "4442587FB7D0A2F9", statusErr.RequestID)
		})
	}
}

func TestS3ParseError(t *testing.T) {
	p := storage.S3{}

	t.Run("error document", func(t *testing.T) {
		statusErr := p.ParseError(http.StatusNotFound, http.Header{}, []byte(
			`<Error><Code>NoSuchKey</Code><Message>The resource you requested does not exist</Message>`+
				`<RequestId>4442587FB7D0A2F9</RequestId></Error>`))
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
		assert.Equal(t, "NoSuchKey", statusErr.Code)
		assert.Equal(t, "The resource you requested does not exist", statusErr.Message)
		assert.Equal(t, "4442587FB7D0A2F9", statusErr.RequestID)
		assert.False(t, statusErr.Retryable())
	})

	t.Run("empty body", func(t *testing.T) {
		h := http.Header{}
		h.Set("x-amz-request-id", "req-1")

		statusErr := p.ParseError(http.StatusServiceUnavailable, h, nil)
		assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
		assert.Empty(t, statusErr.Code)
		assert.Equal(t, "req-1", statusErr.RequestID)
		assert.Equal(t, "http status 503", statusErr.Error())
	})
}
