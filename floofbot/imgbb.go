package floofbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrImageUpload   = errors.New("image upload failed")
	ErrImageTooLarge = errors.New("image too large")
)

// imgbbResponse is the relevant part of the imgbb upload response
type imgbbResponse struct {
	Data struct {
		ID         string `json:"id"`
		URL        string `json:"url"`
		DisplayURL string `json:"display_url"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// imgbbClient uploads images to imgbb. Uploads are rate limited, and
// wait for a token instead of failing.
type imgbbClient struct {
	client   *http.Client
	endpoint string
	key      string
	maxSize  int64
	limiter  *rate.Limiter
}

func newImgBBClient(client *http.Client, config *ReferenceConfig) (*imgbbClient, error) {
	endpoint := config.ImgBBEndpoint
	if endpoint == "" {
		endpoint = DefaultImgBBEndpoint
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid imgbb endpoint: %w", err)
	}
	perMinute := max(config.UploadsPerMinute, 1)
	return &imgbbClient{
		client:   client,
		endpoint: endpoint,
		key:      config.ImgBBKey,
		maxSize:  config.MaxImageSize,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}, nil
}

// download fetches the image at imageURL, up to the max image size
func (c *imgbbClient) download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading image: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error downloading image: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("error reading image: %w", err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, fmt.Errorf("%w: over %d bytes", ErrImageTooLarge, c.maxSize)
	}
	return data, nil
}

// upload posts the image as multipart form data, and returns its hosted
// URL
func (c *imgbbClient) upload(ctx context.Context, filename string, data []byte) (string, error) {
	if c.key == "" {
		return "", fmt.Errorf("%w: no imgbb key configured", ErrImageUpload)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", ErrImageUpload, err)
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if err := w.WriteField("key", c.key); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("image", path.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err = part.Write(data); err != nil {
		return "", err
	}
	if err = w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrImageUpload, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var result imgbbResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: status %d: %w", ErrImageUpload, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || result.Data.URL == "" {
		msg := ""
		if result.Error != nil {
			msg = result.Error.Message
		}
		return "", fmt.Errorf("%w: status %d: %s", ErrImageUpload, resp.StatusCode, msg)
	}
	return result.Data.URL, nil
}
