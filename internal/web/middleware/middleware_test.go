package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/JonMunkholm/importpipe/internal/core"
)

func TestTrustedRealIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		remote  string
		headers map[string]string
		want    string
	}{
		{"no trusted proxies ignores headers", nil, "1.2.3.4:5000",
			map[string]string{"X-Real-IP": "9.9.9.9"}, "1.2.3.4:5000"},
		{"untrusted source ignores headers", []string{"10.0.0.0/8"}, "1.2.3.4:5000",
			map[string]string{"X-Real-IP": "9.9.9.9"}, "1.2.3.4:5000"},
		{"trusted proxy uses X-Real-IP", []string{"10.0.0.0/8"}, "10.1.1.1:5000",
			map[string]string{"X-Real-IP": "9.9.9.9"}, "9.9.9.9"},
		{"trusted proxy uses first forwarded", []string{"10.1.1.1"}, "10.1.1.1:5000",
			map[string]string{"X-Forwarded-For": "8.8.8.8, 10.1.1.1"}, "8.8.8.8"},
		{"invalid header keeps remote", []string{"10.0.0.0/8"}, "10.1.1.1:5000",
			map[string]string{"X-Real-IP": "not-an-ip"}, "10.1.1.1:5000"},
		{"bad cidr is skipped", []string{"nonsense", "10.0.0.0/8"}, "10.1.1.1:5000",
			map[string]string{"X-Real-IP": "9.9.9.9"}, "9.9.9.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := TrustedRealIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.RemoteAddr
			}))
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), r)
			if got != tt.want {
				t.Errorf("RemoteAddr = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientInfo(t *testing.T) {
	var ip, ua string
	h := ClientInfo(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, ua = core.ClientFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:4411"
	r.Header.Set("User-Agent", "importctl/1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if ip != "192.0.2.7" || ua != "importctl/1" {
		t.Errorf("ClientFromContext() = %q, %q, want %q, %q", ip, ua, "192.0.2.7", "importctl/1")
	}
}

func TestLoggerKeepsFlusher(t *testing.T) {
	var flushable bool
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !flushable {
		t.Error("wrapped writer should implement http.Flusher")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if rec.Body.String() != "short and stout" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestResponseWriterCounts(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &responseWriter{ResponseWriter: rec, status: http.StatusOK}
	_, _ = w.Write([]byte("abc"))
	_, _ = w.Write([]byte("de"))
	w.WriteHeader(http.StatusInternalServerError) // ignored after the first write

	if w.bytes != 5 {
		t.Errorf("bytes = %d, want 5", w.bytes)
	}
	if w.status != http.StatusOK {
		t.Errorf("status = %d, want %d", w.status, http.StatusOK)
	}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("Hijack() on a recorder should fail")
	}
}
