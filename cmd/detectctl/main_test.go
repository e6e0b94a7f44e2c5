package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.jpg")
	if err := os.WriteFile(path, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"boxes":[{"xyxy":[1,2,3,4],"conf":0.9,"cls":0,"name":"person"}]}`)
	}))
	defer srv.Close()

	if err := run(srv.URL, "yolo", writeImage(t), false, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotPath != "/predictions/yolo" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody != "jpeg bytes" {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestRunServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":"invalid_image","message":"Failed to decode image"}`)
	}))
	defer srv.Close()

	err := run(srv.URL, "yolo", writeImage(t), false, time.Second)
	if err == nil || !strings.Contains(err.Error(), "invalid_image") {
		t.Fatalf("got %v, want invalid_image error", err)
	}
}
