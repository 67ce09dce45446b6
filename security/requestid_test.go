package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		wantSame bool
	}{
		{name: "no upstream id", upstream: "", wantSame: false},
		{name: "valid upstream id", upstream: "abc-123_DEF", wantSame: true},
		{name: "header injection attempt", upstream: "abc\r\nX-Evil: 1", wantSame: false},
		{name: "invalid characters", upstream: "abc def", wantSame: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("request id missing from context")
			}
			if rec.Header().Get(RequestIDHeader) != seen {
				t.Errorf("response header = %q, context = %q", rec.Header().Get(RequestIDHeader), seen)
			}
			if (seen == tt.upstream) != tt.wantSame {
				t.Errorf("propagated = %v, want %v", seen == tt.upstream, tt.wantSame)
			}
		})
	}
}

func TestGetRequestID_Empty(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}

func TestGenerateRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		if !isValidRequestID(id) {
			t.Fatalf("generated id %q does not pass validation", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
