// Package uploader implements the upload executor over HTTP multipart. The remote endpoint
// receives the image as a form file and answers with a JSON document carrying the public URL.
package uploader

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
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// ErrNoURL returned when the endpoint accepted the upload but didn't report where it landed
var ErrNoURL = errors.New("no image url in upload response")

// Client posts images to the remote endpoint
type Client struct {
	Endpoint   string            // full url of the upload endpoint
	Field      string            // form field for the file, "image" by default
	EntityType string            // sent as entity_type form value, "misc" by default
	Token      string            // optional bearer token
	Headers    map[string]string // extra request headers
	HTTPClient *http.Client
}

// New makes a client with default timeout
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{Endpoint: endpoint, HTTPClient: &http.Client{Timeout: timeout}}
}

// response accepts both the wrapped {"success":..,"data":{"url":..}} form and a plain {"url":..}
type response struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	URL     string `json:"url"`
	Data    *struct {
		URL      string `json:"url"`
		ImageURL string `json:"image_url"`
	} `json:"data"`
}

func (r response) url() string {
	if r.Data != nil {
		if r.Data.URL != "" {
			return r.Data.URL
		}
		if r.Data.ImageURL != "" {
			return r.Data.ImageURL
		}
	}
	return r.URL
}

// Upload sends data as name and returns the remote url
func (c *Client) Upload(ctx context.Context, data []byte, name string) (string, error) {
	return c.UploadWithProgress(ctx, data, name, nil)
}

// UploadWithProgress is Upload reporting the fraction of the request body sent so far
func (c *Client) UploadWithProgress(ctx context.Context, data []byte, name string, fn func(float64)) (string, error) {
	body, contentType, err := c.encode(data, name)
	if err != nil {
		return "", fmt.Errorf("can't encode %s: %w", name, err)
	}

	var rdr io.Reader = bytes.NewReader(body)
	if fn != nil {
		rdr = &progressReader{r: rdr, total: len(body), fn: fn}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, rdr)
	if err != nil {
		return "", fmt.Errorf("can't make request for %s: %w", name, err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	st := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close() // nolint

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("can't read response for %s: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload %s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", fmt.Errorf("can't decode response for %s: %w", name, err)
	}
	if r.Success != nil && !*r.Success {
		return "", fmt.Errorf("upload %s rejected: %s", name, r.Message)
	}
	url := r.url()
	if url == "" {
		return "", fmt.Errorf("upload %s: %w", name, ErrNoURL)
	}
	log.Printf("[DEBUG] uploaded %s (%d bytes) in %v to %s", name, len(data), time.Since(st).Truncate(time.Millisecond), url)
	return url, nil
}

func (c *Client) encode(data []byte, name string) (body []byte, contentType string, err error) {
	field, entity := c.Field, c.EntityType
	if field == "" {
		field = "image"
	}
	if entity == "" {
		entity = "misc"
	}

	buf := bytes.Buffer{}
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{"entity_type": entity, "media_type": "image", "fileName": name} {
		if err = mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	hdr.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, "", err
	}
	if _, err = part.Write(data); err != nil {
		return nil, "", err
	}
	if err = mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

type progressReader struct {
	r     io.Reader
	total int
	sent  int
	fn    func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.total > 0 {
		p.sent += n
		p.fn(float64(p.sent) / float64(p.total))
	}
	return n, err
}
