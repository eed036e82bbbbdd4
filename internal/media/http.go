package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
)

const uploadPath = "/media/upload/multiple"

// HTTPUploader talks to the media service over multipart HTTP.
type HTTPUploader struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPUploader creates an uploader for the media service at baseURL.
func NewHTTPUploader(baseURL string, logger *zap.Logger) *HTTPUploader {
	return &HTTPUploader{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

type uploadResponse struct {
	TotalFiles int `json:"totalFiles"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Results    []struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	} `json:"results"`
	UploadTime int64 `json:"uploadTime"`
}

type uploadSuccessData struct {
	FileURL          string `json:"fileUrl"`
	OriginalFilename string `json:"originalFilename"`
}

type uploadFailureData struct {
	Filename string   `json:"filename"`
	Errors   []string `json:"errors"`
}

// UploadMultiple posts all files in one multipart request and returns the
// per-file outcomes in request order.
func (u *HTTPUploader) UploadMultiple(ctx context.Context, files []File) (*UploadBatch, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := form.CreatePart(fileHeader(f))
		if err != nil {
			return nil, fmt.Errorf("create form part: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write form part: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+uploadPath, &body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	res, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload files: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = res.Status
		}
		return nil, fmt.Errorf("upload files: %s", apiErr.Error)
	}

	var decoded uploadResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}

	batch := &UploadBatch{
		TotalFiles: decoded.TotalFiles,
		Successful: decoded.Successful,
		Failed:     decoded.Failed,
		UploadTime: decoded.UploadTime,
		Results:    make([]UploadResult, 0, len(decoded.Results)),
	}
	for _, r := range decoded.Results {
		if r.Success {
			var data uploadSuccessData
			if err := json.Unmarshal(r.Data, &data); err != nil {
				return nil, fmt.Errorf("decode upload result: %w", err)
			}
			batch.Results = append(batch.Results, UploadResult{
				Success:  true,
				FileURL:  data.FileURL,
				Filename: data.OriginalFilename,
			})
			continue
		}
		var data uploadFailureData
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return nil, fmt.Errorf("decode upload result: %w", err)
		}
		batch.Results = append(batch.Results, UploadResult{
			Filename: data.Filename,
			Errors:   data.Errors,
		})
	}

	u.logger.Debug("uploaded files",
		zap.Int("total", batch.TotalFiles),
		zap.Int("successful", batch.Successful),
		zap.Int("failed", batch.Failed))
	return batch, nil
}

func fileHeader(f File) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	return h
}
