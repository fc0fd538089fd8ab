// Package channel implements the secure round trip to the remote analytics
// service: frames are sealed with the edge->cloud key, posted as multipart
// entries, and the sealed detection payload in the reply is opened with the
// cloud->edge key and shape-checked.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/edgeanalytics/internal/crypto"
	"github.com/mikeyg42/edgeanalytics/internal/detection"
)

const (
	// StreamHandlingPath is the inference endpoint relative to the base URL.
	StreamHandlingPath = "/stream-handling"

	// Key derivation labels, one per direction.
	EdgeToCloudLabel = "edge-to-cloud"
	CloudToEdgeLabel = "cloud-to-edge"

	defaultTimeout  = 30 * time.Second
	maxResponseSize = 32 << 20
)

var ErrSharedSecretReuse = errors.New("edge and cloud secrets must differ")

// Config holds the resolved settings for a SecureChannel.
type Config struct {
	BaseURL       string
	EdgeSecret    string // seals edge->cloud payloads
	CloudSecret   string // opens cloud->edge payloads
	KeyDerivation crypto.KeyDerivation

	// Timeout is the dispatch deadline for one round trip.
	Timeout time.Duration

	// HTTPClient overrides the default client; its Timeout is replaced by
	// Timeout when that is set.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// SecureChannel is stateless across calls apart from its two keys and may be
// shared between concurrent pipeline runs.
type SecureChannel struct {
	endpoint string
	sealer   *crypto.Cipher
	opener   *crypto.Cipher
	client   *http.Client
	logger   *zap.Logger
}

// New derives both keys and prepares the HTTP client.
func New(cfg Config) (*SecureChannel, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.EdgeSecret == cfg.CloudSecret {
		return nil, ErrSharedSecretReuse
	}

	edgeKey, err := crypto.DeriveKey(cfg.EdgeSecret, cfg.KeyDerivation, EdgeToCloudLabel)
	if err != nil {
		return nil, fmt.Errorf("derive edge key: %w", err)
	}
	cloudKey, err := crypto.DeriveKey(cfg.CloudSecret, cfg.KeyDerivation, CloudToEdgeLabel)
	if err != nil {
		return nil, fmt.Errorf("derive cloud key: %w", err)
	}

	sealer, err := crypto.NewCipher(edgeKey)
	if err != nil {
		return nil, err
	}
	opener, err := crypto.NewCipher(cloudKey)
	if err != nil {
		return nil, err
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	} else {
		cp := *client
		client = &cp
	}
	switch {
	case cfg.Timeout > 0:
		client.Timeout = cfg.Timeout
	case client.Timeout == 0:
		client.Timeout = defaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}

	return &SecureChannel{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + StreamHandlingPath,
		sealer:   sealer,
		opener:   opener,
		client:   client,
		logger:   logger.Named("channel"),
	}, nil
}

// Endpoint returns the URL frames are posted to.
func (c *SecureChannel) Endpoint() string {
	return c.endpoint
}

// Dispatch sends one JPEG-encoded frame and returns its detections.
func (c *SecureChannel) Dispatch(ctx context.Context, frame []byte) (detection.Set, error) {
	plaintext, err := c.roundTrip(ctx, [][]byte{frame}, false)
	if err != nil {
		return nil, err
	}
	return detection.Parse(plaintext)
}

// DispatchBatch sends several frames in one request. The service answers
// with one independent result per frame, in submission order.
func (c *SecureChannel) DispatchBatch(ctx context.Context, frames [][]byte) ([]detection.Set, error) {
	plaintext, err := c.roundTrip(ctx, frames, true)
	if err != nil {
		return nil, err
	}

	sets, err := detection.ParseBatch(plaintext)
	if err != nil {
		return nil, err
	}
	if len(sets) != len(frames) {
		return nil, &detection.ValidationError{
			Reason: fmt.Sprintf("expected %d results, got %d", len(frames), len(sets)),
		}
	}
	return sets, nil
}

// sealedResponse is the service's reply; Data is a base64 envelope.
type sealedResponse struct {
	Data *string `json:"data"`
}

func (c *SecureChannel) roundTrip(ctx context.Context, frames [][]byte, batched bool) ([]byte, error) {
	if len(frames) == 0 {
		return nil, &detection.ValidationError{Reason: "batch must contain at least one frame"}
	}

	body, contentType, err := c.encodeFrames(frames, batched)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, &TransportError{Op: "build request", URL: c.endpoint, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "post", URL: c.endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{Op: "read response", URL: c.endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			Op:         "post",
			URL:        c.endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", resp.Status, snippet(raw)),
		}
	}

	var sealed sealedResponse
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, &detection.ValidationError{Field: "data", Reason: fmt.Sprintf("response is not JSON: %v", err)}
	}
	if sealed.Data == nil {
		return nil, &detection.ValidationError{Field: "data", Reason: "missing"}
	}

	plaintext, err := c.opener.OpenString(*sealed.Data)
	if err != nil {
		c.logger.Error("Rejected analytics response, possible tampering or key mismatch",
			zap.String("url", c.endpoint),
			zap.Int("frames", len(frames)),
			zap.Error(err))
		return nil, err
	}

	c.logger.Debug("Dispatch completed",
		zap.Int("frames", len(frames)),
		zap.Int("response_bytes", len(raw)),
		zap.Duration("elapsed", time.Since(start)))

	return plaintext, nil
}

// encodeFrames seals each frame individually and writes it as a multipart
// entry. Single dispatches use the entry name "image"; batched entries are
// tagged with their index.
func (c *SecureChannel) encodeFrames(frames [][]byte, batched bool) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for i, frame := range frames {
		if len(frame) == 0 {
			return nil, "", &detection.ValidationError{
				Field:  "frames[" + strconv.Itoa(i) + "]",
				Reason: "empty frame buffer",
			}
		}

		envelope, err := c.sealer.Seal(frame)
		if err != nil {
			return nil, "", err
		}

		name, filename := "image", "frame.jpg.enc"
		if batched {
			name = "image_" + strconv.Itoa(i)
			filename = "frame_" + strconv.Itoa(i) + ".jpg.enc"
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, name, filename))
		h.Set("Content-Type", "application/octet-stream")
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create multipart entry: %w", err)
		}
		if _, err := part.Write(envelope); err != nil {
			return nil, "", fmt.Errorf("write multipart entry: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func snippet(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
