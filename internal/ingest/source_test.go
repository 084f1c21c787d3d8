package ingest

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestDirSourceFiltersPDFs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b-LUCY.pdf", "a-ALEX.PDF", "notes.txt", "c.Pdf"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.pdf"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := DirSource{Dir: dir}.Files(context.Background())
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
		if f.Path != filepath.Join(dir, f.Name) {
			t.Errorf("Path = %s", f.Path)
		}
	}
	want := []string{"a-ALEX.PDF", "b-LUCY.pdf", "c.Pdf"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names = %v, want %v", names, want)
			break
		}
	}
}

func TestDirSourceMissingDir(t *testing.T) {
	if _, err := (DirSource{Dir: filepath.Join(t.TempDir(), "nope")}).Files(context.Background()); err == nil {
		t.Error("want error for missing directory")
	}
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var out s3.ListObjectsV2Output
	for k := range f.objects {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return &out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data := f.objects[aws.ToString(in.Key)]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func TestS3SourceDownloadsPDFs(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{
		"kb/intro-ALEX.pdf": []byte("%PDF-alex"),
		"kb/readme.md":      []byte("ignore"),
		"kb/deep/b.PDF":     []byte("%PDF-b"),
	}}
	src := newS3Source(client, "bucket", "kb/")
	defer src.Close()

	files, err := src.Files(context.Background())
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %+v, want 2", files)
	}
	if files[0].Name != "b.PDF" || files[1].Name != "intro-ALEX.pdf" {
		t.Errorf("names = %s, %s", files[0].Name, files[1].Name)
	}
	got, err := os.ReadFile(files[1].Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "%PDF-alex" {
		t.Errorf("downloaded = %q", got)
	}

	dir := filepath.Dir(files[0].Path)
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("download dir should be removed, stat err = %v", err)
	}
}
