package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/edgeanalytics/internal/crypto"
	"github.com/mikeyg42/edgeanalytics/internal/detection"
)

const (
	testEdgeSecret  = "EDGE_KEY"
	testCloudSecret = "CLOUD_KEY"
)

// fakeService plays the analytics service: it opens every multipart entry
// with the edge key and answers with reply() sealed under the cloud key.
type fakeService struct {
	t       *testing.T
	edge    *crypto.Cipher
	cloud   *crypto.Cipher
	reply   func(frames map[string][]byte) (status int, body []byte)
	calls   atomic.Int32
	lastErr atomic.Value
}

func newFakeService(t *testing.T, reply func(frames map[string][]byte) (int, []byte)) (*fakeService, *httptest.Server) {
	t.Helper()
	edgeKey, err := crypto.DeriveKey(testEdgeSecret, crypto.KeyDerivationPad, EdgeToCloudLabel)
	require.NoError(t, err)
	cloudKey, err := crypto.DeriveKey(testCloudSecret, crypto.KeyDerivationPad, CloudToEdgeLabel)
	require.NoError(t, err)

	edge, err := crypto.NewCipher(edgeKey)
	require.NoError(t, err)
	cloud, err := crypto.NewCipher(cloudKey)
	require.NoError(t, err)

	fs := &fakeService{t: t, edge: edge, cloud: cloud, reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	fs.calls.Add(1)
	if r.URL.Path != StreamHandlingPath || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		fs.lastErr.Store(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	frames := make(map[string][]byte)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			fs.lastErr.Store(err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		envelope, _ := io.ReadAll(part)
		frame, err := fs.edge.Open(envelope)
		if err != nil {
			fs.lastErr.Store(err)
			http.Error(w, "bad envelope", http.StatusBadRequest)
			return
		}
		frames[part.FormName()] = frame
	}

	status, body := fs.reply(frames)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (fs *fakeService) sealed(plaintext string) []byte {
	data, err := fs.cloud.SealToString([]byte(plaintext))
	require.NoError(fs.t, err)
	out, _ := json.Marshal(map[string]string{"data": data})
	return out
}

func newTestChannel(t *testing.T, baseURL string) *SecureChannel {
	t.Helper()
	ch, err := New(Config{
		BaseURL:       baseURL,
		EdgeSecret:    testEdgeSecret,
		CloudSecret:   testCloudSecret,
		KeyDerivation: crypto.KeyDerivationPad,
		Timeout:       2 * time.Second,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return ch
}

func TestDispatch(t *testing.T) {
	var fs *fakeService
	fs, srv := newFakeService(t, func(frames map[string][]byte) (int, []byte) {
		if string(frames["image"]) != "jpeg-bytes" {
			return http.StatusBadRequest, []byte(`{}`)
		}
		return http.StatusOK, fs.sealed(`{"detections":[{"class":0,"name":"person","confidence":0.87,"bbox":[[1,2,3,4]]}]}`)
	})

	ch := newTestChannel(t, srv.URL+"/")
	assert.Equal(t, srv.URL+StreamHandlingPath, ch.Endpoint())

	set, err := ch.Dispatch(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, "person", set[0].ClassName)
	assert.Equal(t, detection.BoundingBox{XMin: 1, YMin: 2, XMax: 3, YMax: 4}, set[0].Box)
	assert.EqualValues(t, 1, fs.calls.Load())
}

func TestDispatchBatch(t *testing.T) {
	var fs *fakeService
	fs, srv := newFakeService(t, func(frames map[string][]byte) (int, []byte) {
		if len(frames) != 2 || string(frames["image_0"]) != "a" || string(frames["image_1"]) != "b" {
			return http.StatusBadRequest, []byte(`{}`)
		}
		return http.StatusOK, fs.sealed(`[
			{"detections":[{"class":1,"name":"bicycle","confidence":0.5,"bbox":[0,0,1,1]}]},
			{"detections":[]}
		]`)
	})

	ch := newTestChannel(t, srv.URL)
	sets, err := ch.DispatchBatch(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "bicycle", sets[0][0].ClassName)
	assert.Empty(t, sets[1])
}

func TestDispatchBatchLengthMismatch(t *testing.T) {
	var fs *fakeService
	fs, srv := newFakeService(t, func(map[string][]byte) (int, []byte) {
		return http.StatusOK, fs.sealed(`[{"detections":[]}]`)
	})

	ch := newTestChannel(t, srv.URL)
	_, err := ch.DispatchBatch(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	var verr *detection.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDispatchRejectsEmptyInput(t *testing.T) {
	fs, srv := newFakeService(t, func(map[string][]byte) (int, []byte) {
		return http.StatusOK, []byte(`{}`)
	})
	ch := newTestChannel(t, srv.URL)

	var verr *detection.ValidationError
	_, err := ch.Dispatch(context.Background(), nil)
	require.ErrorAs(t, err, &verr)

	_, err = ch.DispatchBatch(context.Background(), nil)
	require.ErrorAs(t, err, &verr)

	assert.Zero(t, fs.calls.Load(), "no request should be sent for invalid input")
}

func TestDispatchNotAList(t *testing.T) {
	var fs *fakeService
	fs, srv := newFakeService(t, func(map[string][]byte) (int, []byte) {
		return http.StatusOK, fs.sealed(`{"detections":"not-a-list"}`)
	})

	ch := newTestChannel(t, srv.URL)
	_, err := ch.Dispatch(context.Background(), []byte("frame"))

	var verr *detection.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, IsTransport(err))
	assert.False(t, crypto.IsCryptoError(err))
}

func TestDispatchServerError(t *testing.T) {
	_, srv := newFakeService(t, func(map[string][]byte) (int, []byte) {
		return http.StatusInternalServerError, []byte(`{"error":"model crashed"}`)
	})

	ch := newTestChannel(t, srv.URL)
	_, err := ch.Dispatch(context.Background(), []byte("frame"))

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusInternalServerError, terr.StatusCode)
	assert.Contains(t, err.Error(), "model crashed")
	assert.True(t, IsRetryable(err))
	assert.False(t, crypto.IsCryptoError(err))
}

func TestDispatchTamperedResponse(t *testing.T) {
	var fs *fakeService
	fs, srv := newFakeService(t, func(map[string][]byte) (int, []byte) {
		data, err := fs.cloud.Seal([]byte(`{"detections":[]}`))
		require.NoError(t, err)
		data[len(data)-1] ^= 0x80
		body, _ := json.Marshal(map[string]string{"data": base64.StdEncoding.EncodeToString(data)})
		return http.StatusOK, body
	})

	ch := newTestChannel(t, srv.URL)
	_, err := ch.Dispatch(context.Background(), []byte("frame"))

	require.True(t, crypto.IsCryptoError(err), "expected CryptoError, got %v", err)
	assert.ErrorIs(t, err, crypto.ErrAuthFailed)
	assert.False(t, IsTransport(err))
}

func TestDispatchWrongCloudKey(t *testing.T) {
	var fs *fakeService
	fs, srv := newFakeService(t, func(map[string][]byte) (int, []byte) {
		// Reply sealed under the edge key instead of the cloud key.
		data, err := fs.edge.SealToString([]byte(`{"detections":[]}`))
		require.NoError(t, err)
		body, _ := json.Marshal(map[string]string{"data": data})
		return http.StatusOK, body
	})

	ch := newTestChannel(t, srv.URL)
	_, err := ch.Dispatch(context.Background(), []byte("frame"))
	assert.ErrorIs(t, err, crypto.ErrAuthFailed)
}

func TestDispatchMissingData(t *testing.T) {
	_, srv := newFakeService(t, func(map[string][]byte) (int, []byte) {
		return http.StatusOK, []byte(`{"status":"ok"}`)
	})

	ch := newTestChannel(t, srv.URL)
	_, err := ch.Dispatch(context.Background(), []byte("frame"))

	var verr *detection.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "data", verr.Field)
}

func TestDispatchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ch, err := New(Config{
		BaseURL:     srv.URL,
		EdgeSecret:  testEdgeSecret,
		CloudSecret: testCloudSecret,
		Timeout:     50 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	_, err = ch.Dispatch(context.Background(), []byte("frame"))
	require.True(t, IsTransport(err), "expected TransportError, got %v", err)

	var nerr net.Error
	require.True(t, errors.As(err, &nerr))
	assert.True(t, nerr.Timeout())
}

func TestDispatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ch := newTestChannel(t, url)
	_, err := ch.Dispatch(context.Background(), []byte("frame"))
	require.True(t, IsTransport(err))
	assert.True(t, IsRetryable(err))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{BaseURL: "http://x", EdgeSecret: "same", CloudSecret: "same"})
	assert.ErrorIs(t, err, ErrSharedSecretReuse)

	_, err = New(Config{EdgeSecret: "a", CloudSecret: "b"})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "http://x", EdgeSecret: strings.Repeat("a", 40), CloudSecret: "b"})
	assert.Error(t, err, "pad derivation must reject secrets longer than the key")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(&TransportError{Op: "post", StatusCode: 400, Err: errors.New("bad")}))
	assert.True(t, IsRetryable(&TransportError{Op: "post", StatusCode: 503, Err: errors.New("busy")}))
	assert.True(t, IsRetryable(&TransportError{Op: "post", StatusCode: 429, Err: errors.New("slow down")}))
}
