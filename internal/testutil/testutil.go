// Package testutil holds helpers shared by the admin route tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// loopbackAddr satisfies tsweb's debug access check, which only admits
// loopback clients.
const loopbackAddr = "127.0.0.1:12345"

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LoopbackRequest creates a test request that appears to come from localhost.
func LoopbackRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = loopbackAddr
	return req
}

// FormRequest is LoopbackRequest with form as a url-encoded body. A nil form
// sends no body.
func FormRequest(method, path string, form url.Values) *http.Request {
	if form == nil {
		return LoopbackRequest(method, path, nil)
	}
	req := LoopbackRequest(method, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// Serve runs req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}
