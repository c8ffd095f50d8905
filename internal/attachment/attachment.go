package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// InlineLimit is the largest file stored inline. Base64 adds a third, which
// keeps the encoded file under the store's 1 MB document limit.
const InlineLimit = 750 * 1024

// ErrFileTooLarge is returned when a file exceeds InlineLimit.
var ErrFileTooLarge = errors.New("file exceeds the 750KB inline limit")

// Attachment is what a record stores about its document.
type Attachment struct {
	FileName string `json:"fileName"`
	URL      string `json:"fileURL"`
}

// CheckInline rejects a file that is too large to inline.
func CheckInline(size int64) error {
	if size > InlineLimit {
		return ErrFileTooLarge
	}
	return nil
}

// Inline encodes a file as a base64 data URL. The size is checked before
// content is read.
func Inline(fileName, contentType string, size int64, content io.Reader) (Attachment, error) {
	if err := CheckInline(size); err != nil {
		return Attachment{}, err
	}
	data, err := io.ReadAll(io.LimitReader(content, InlineLimit+1))
	if err != nil {
		return Attachment{}, fmt.Errorf("reading file: %w", err)
	}
	if err := CheckInline(int64(len(data))); err != nil {
		return Attachment{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Attachment{
		FileName: fileName,
		URL:      "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, nil
}

// ProgressFunc receives the upload percentage, 0 to 100.
type ProgressFunc func(percent float64)

// Uploader puts attachments into a BlobStore.
type Uploader struct {
	blobs   BlobStore
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

// NewUploader creates an uploader whose download URLs start with baseURL,
// e.g. "/api/v1/files".
func NewUploader(blobs BlobStore, baseURL string, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{blobs: blobs, baseURL: strings.TrimRight(baseURL, "/"), logger: logger, now: time.Now}
}

// ObjectPath is where a user's record attachment lives in the object store.
func ObjectPath(uid, fileName string, at time.Time) string {
	return fmt.Sprintf("medical_records/%s/%d_%s", uid, at.UnixMilli(), path.Base(fileName))
}

// Upload stores content for uid, reporting progress as it is read.
func (u *Uploader) Upload(ctx context.Context, uid, fileName, contentType string, size int64, content io.Reader, progress ProgressFunc) (Attachment, error) {
	if fileName == "" {
		return Attachment{}, ErrMissingFileName
	}
	if size > MaxBlobSize {
		return Attachment{}, ErrBlobTooLarge
	}

	meta := Meta{
		Path:        ObjectPath(uid, fileName, u.now()),
		OwnerID:     uid,
		FileName:    fileName,
		ContentType: contentType,
	}
	r := &progressReader{r: content, total: size, report: progress}

	stored, err := u.blobs.Put(ctx, meta, r)
	if err != nil {
		u.logger.Error("upload failed", zap.String("path", meta.Path), zap.Error(err))
		return Attachment{}, err
	}
	if progress != nil {
		progress(100)
	}

	u.logger.Info("attachment uploaded",
		zap.String("id", stored.ID),
		zap.String("path", stored.Path),
		zap.Int64("size", stored.Size))
	return Attachment{FileName: fileName, URL: u.baseURL + "/" + stored.ID}, nil
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   atomic.Int64
	report ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.report != nil && p.total > 0 {
		done := p.read.Add(int64(n))
		pct := float64(done) / float64(p.total) * 100
		if pct > 100 {
			pct = 100
		}
		p.report(pct)
	}
	return n, err
}
