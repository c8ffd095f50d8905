package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// spyReader counts reads.
type spyReader struct{ reads int }

func (s *spyReader) Read(p []byte) (int, error) {
	s.reads++
	return 0, io.EOF
}

func TestInline_RejectsOversizedFileBeforeReading(t *testing.T) {
	r := &spyReader{}
	_, err := Inline("scan.png", "image/png", 900*1024, r)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	if r.reads != 0 {
		t.Fatalf("file was read %d times before the size check", r.reads)
	}
	if !strings.Contains(err.Error(), "750KB") {
		t.Fatalf("message should name the limit: %q", err.Error())
	}
}

func TestInline_EncodesDataURL(t *testing.T) {
	a, err := Inline("note.txt", "text/plain", 5, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("inline: %v", err)
	}
	if a.URL != "data:text/plain;base64,aGVsbG8=" || a.FileName != "note.txt" {
		t.Fatalf("unexpected attachment %+v", a)
	}
}

func TestInline_RejectsUnderstatedSize(t *testing.T) {
	big := bytes.Repeat([]byte("x"), InlineLimit+10)
	if _, err := Inline("big.bin", "", 10, bytes.NewReader(big)); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestUploader_StoresUnderUserPathAndReportsProgress(t *testing.T) {
	blobs := NewMemoryBlobStore()
	u := NewUploader(blobs, "/api/v1/files/", nil)
	u.now = func() time.Time { return time.UnixMilli(1700000000000) }

	content := bytes.Repeat([]byte("a"), 64*1024)
	var progress []float64
	a, err := u.Upload(context.Background(), "u1", "report.pdf", "application/pdf", int64(len(content)), bytes.NewReader(content), func(p float64) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(a.URL, "/api/v1/files/") {
		t.Fatalf("unexpected url %q", a.URL)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("expected progress ending at 100, got %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}

	id := strings.TrimPrefix(a.URL, "/api/v1/files/")
	rc, meta, err := blobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	if meta.Path != "medical_records/u1/1700000000000_report.pdf" {
		t.Fatalf("unexpected object path %q", meta.Path)
	}
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) {
		t.Fatal("stored content differs")
	}
}

func TestMemoryBlobStore_DeleteAndMissing(t *testing.T) {
	blobs := NewMemoryBlobStore()
	meta, err := blobs.Put(context.Background(), Meta{FileName: "a"}, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := blobs.Delete(context.Background(), meta.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := blobs.Get(context.Background(), meta.ID); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
	if _, err := blobs.Put(context.Background(), Meta{}, strings.NewReader("x")); !errors.Is(err, ErrMissingFileName) {
		t.Fatalf("expected ErrMissingFileName, got %v", err)
	}
}
