package minioctrl

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestObjectKey(t *testing.T) {
	key := ObjectKey("7b9e8d52-1bb5-4ac1-a0b4-5ce1f4f12c3a")
	if key != "7b9e8d52-1bb5-4ac1-a0b4-5ce1f4f12c3a.json" {
		t.Errorf("key = %q", key)
	}
}

func TestPresignResultMintsTimeLimitedLink(t *testing.T) {
	svc, err := NewMinioService("localhost:9000", "minioadmin", "minioadmin", false, "cvp-results")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	link, err := svc.PresignResult(context.Background(), "job-1.json", 15*time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}

	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if !strings.Contains(parsed.Path, "cvp-results/job-1.json") {
		t.Errorf("path = %q, want bucket and object key", parsed.Path)
	}

	q := parsed.Query()
	if q.Get("X-Amz-Signature") == "" {
		t.Error("link is not signed")
	}
	if q.Get("X-Amz-Expires") != "900" {
		t.Errorf("expiry = %q, want 900 seconds", q.Get("X-Amz-Expires"))
	}
}
