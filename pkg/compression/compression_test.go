package compression

import (
	"bytes"
	"testing"
)

func TestGzipRoundTrip(t *testing.T) {
	testData := []byte("this is a test HTTP response body that should be gzip-wrapped and then restored correctly, long enough to see some benefit from compression.")

	compressed, err := Gzip(testData)
	if err != nil {
		t.Fatalf("Gzip failed: %v", err)
	}
	if len(compressed) == 0 {
		t.Fatalf("Gzip produced empty output")
	}

	decompressed, err := Gunzip(compressed)
	if err != nil {
		t.Fatalf("Gunzip failed: %v", err)
	}
	if !bytes.Equal(decompressed, testData) {
		t.Fatalf("round trip mismatch: got %q want %q", decompressed, testData)
	}
}

func TestGzipEmptyBody(t *testing.T) {
	compressed, err := Gzip(nil)
	if err != nil {
		t.Fatalf("Gzip(nil) failed: %v", err)
	}
	decompressed, err := Gunzip(compressed)
	if err != nil {
		t.Fatalf("Gunzip failed: %v", err)
	}
	if len(decompressed) != 0 {
		t.Fatalf("expected empty decompressed body, got %d bytes", len(decompressed))
	}
}

func TestGunzipMalformed(t *testing.T) {
	if _, err := Gunzip([]byte("not gzip data")); err == nil {
		t.Fatalf("expected error decompressing malformed data")
	}
}
