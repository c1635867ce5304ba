package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"
)

const (
	uploadPath   = "api/v1/bundles"
	digestHeader = "X-Bundle-Digest"
)

// RepoUploader posts bundles to a remote bundle repository.
type RepoUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewRepoUploader(serverURL string) (*RepoUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, &model.ConfigError{Field: "service.repository.url", Err: err}
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, model.NewConfigError("service.repository.url", "please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = uploadPath

	return &RepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

func (c *RepoUploader) Upload(ctx context.Context, bundle model.ArtifactBundle, archive []byte) error {
	if err := validate(bundle); err != nil {
		return err
	}
	u := *c.requestURL
	u.Path = strings.Join([]string{uploadPath, url.PathEscape(bundle.RunID), url.PathEscape(bundle.Name)}, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(archive))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set(digestHeader, bundle.Digest)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	created, err := c.decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	if created.Digest != bundle.Digest {
		return fmt.Errorf("repository stored digest %s, expected %s", created.Digest, bundle.Digest)
	}
	slog.DebugContext(ctx, "bundle uploaded successfully.",
		slog.String("run_id", bundle.RunID),
		slog.String("bundle", bundle.Name),
		slog.String("digest", created.Digest))
	return nil
}

type BundleCreateResponse struct {
	Digest string `json:"digest"`
}

func (c *RepoUploader) decodeUploadResponse(resp *http.Response) (BundleCreateResponse, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return BundleCreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		if contentType != "application/json" {
			return BundleCreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var bc BundleCreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&bc); err != nil {
			return BundleCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if bc.Digest == "" {
			return BundleCreateResponse{}, errors.New("received unexpected body")
		}
		return bc, nil

	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if contentType != "application/problem+json" {
			return BundleCreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", contentType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return BundleCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return BundleCreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return BundleCreateResponse{}, err
	}
	return BundleCreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
