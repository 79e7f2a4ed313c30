package gcp

import (
	"errors"
	"net/http"
	"testing"

	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"cloud.google.com/go/storage"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yungbote/labflow-backend/internal/platform/apierr"
	"github.com/yungbote/labflow-backend/internal/platform/httpx"
)

func TestParseObjectRef(t *testing.T) {
	bucket, key, err := ParseObjectRef("gs://labs/uploads/doc-1.pdf", "default")
	require.NoError(t, err)
	assert.Equal(t, "labs", bucket)
	assert.Equal(t, "uploads/doc-1.pdf", key)

	bucket, key, err = ParseObjectRef("/uploads/doc-2.pdf", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", bucket)
	assert.Equal(t, "uploads/doc-2.pdf", key)

	for _, bad := range []string{"", "gs://", "gs://labs", "gs://labs/", "s3://labs/x"} {
		_, _, err := ParseObjectRef(bad, "default")
		assert.Error(t, err, bad)
	}

	_, _, err = ParseObjectRef("uploads/doc.pdf", "")
	assert.Error(t, err)
}

func TestClassifyMapsStatus(t *testing.T) {
	cases := []struct {
		err       error
		status    int
		retryable bool
	}{
		{status.Error(codes.Unavailable, "backend down"), http.StatusServiceUnavailable, true},
		{status.Error(codes.ResourceExhausted, "quota"), http.StatusTooManyRequests, true},
		{status.Error(codes.InvalidArgument, "bad mime"), http.StatusBadRequest, false},
		{status.Error(codes.PermissionDenied, "nope"), http.StatusForbidden, false},
		{&googleapi.Error{Code: 502}, http.StatusBadGateway, true},
		{storage.ErrObjectNotExist, http.StatusNotFound, false},
	}
	for _, tc := range cases {
		err := classify("op", tc.err)
		var ae *apierr.Error
		require.True(t, errors.As(err, &ae), tc.err.Error())
		assert.Equal(t, tc.status, ae.HTTPStatusCode())
		assert.Equal(t, tc.retryable, httpx.IsRetryableError(err))
	}

	plain := classify("op", errors.New("boom"))
	assert.EqualError(t, plain, "op: boom")
	assert.Nil(t, classify("op", nil))
}

func TestVisionConfidence(t *testing.T) {
	responses := []*visionpb.AnnotateImageResponse{
		{FullTextAnnotation: &visionpb.TextAnnotation{
			Text:  "Glucose 110 mg/dL\n",
			Pages: []*visionpb.Page{{Blocks: []*visionpb.Block{{Confidence: 0.9}, {Confidence: 0.7}, {Confidence: 0}}}},
		}},
		{FullTextAnnotation: &visionpb.TextAnnotation{Text: "   "}},
		{FullTextAnnotation: &visionpb.TextAnnotation{
			Text:  "HbA1c 5.9 %",
			Pages: []*visionpb.Page{{Blocks: []*visionpb.Block{{Confidence: 0.8}}}},
		}},
	}
	text, conf, err := textFromResponses(responses)
	require.NoError(t, err)
	assert.Equal(t, "Glucose 110 mg/dL\nHbA1c 5.9 %", text)
	assert.InDelta(t, 0.8, conf, 1e-6)

	_, _, err = textFromResponses([]*visionpb.AnnotateImageResponse{{Error: &rpcstatus.Status{Message: "bad image"}}})
	assert.ErrorContains(t, err, "bad image")
}

func TestDocumentAIPageConfidence(t *testing.T) {
	pages := []*documentaipb.Document_Page{
		{Layout: &documentaipb.Document_Page_Layout{Confidence: 0.95}},
		{Layout: &documentaipb.Document_Page_Layout{Confidence: 0.85}},
		{},
	}
	assert.InDelta(t, 0.9, avgPageConfidence(pages), 1e-6)
	assert.Zero(t, avgPageConfidence(nil))
}

func TestProcessorName(t *testing.T) {
	assert.Equal(t, "projects/p/locations/us/processors/abc", processorName("p", "us", "abc", ""))
	assert.Equal(t, "projects/p/locations/eu/processors/abc/processorVersions/v2", processorName("p", "eu", "abc", "v2"))
	assert.Empty(t, processorName("", "us", "abc", ""))
	assert.False(t, DocumentAIConfig{Location: "us"}.Enabled())
}
