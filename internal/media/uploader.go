// Package media uploads photo attachments to the media service.
package media

import "context"

// File is one attachment to upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// UploadResult is the outcome for a single file, in request order.
type UploadResult struct {
	Success  bool
	FileURL  string   // set when Success
	Filename string   // original filename
	Errors   []string // set when !Success
}

// UploadBatch is the outcome of a multi-file upload. Individual files
// can fail while the batch as a whole succeeds.
type UploadBatch struct {
	TotalFiles int
	Successful int
	Failed     int
	Results    []UploadResult
	UploadTime int64 // millis, server-reported
}

// URLs maps the batch results to per-slot photo URLs, nil for a slot
// whose upload failed. Slot order matches the request order.
func (b *UploadBatch) URLs() []*string {
	out := make([]*string, len(b.Results))
	for i, r := range b.Results {
		if r.Success {
			u := r.FileURL
			out[i] = &u
		}
	}
	return out
}

// SuccessfulURLs returns only the URLs of uploads that succeeded.
func (b *UploadBatch) SuccessfulURLs() []*string {
	var out []*string
	for _, r := range b.Results {
		if r.Success {
			u := r.FileURL
			out = append(out, &u)
		}
	}
	return out
}

// Uploader sends files to the media service.
type Uploader interface {
	UploadMultiple(ctx context.Context, files []File) (*UploadBatch, error)
}
