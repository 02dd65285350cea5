package validation

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"cus_123", true},
		{"6f1c8f0e-8f51-4a43-9b8f-2a8d3a3c0b11", true},
		{"acme.eu:prod", true},
		{"A", true},

		// Invalid cases
		{"", false},
		{"_leading", false},
		{"has space", false},
		{"semi;colon", false},
		{"slash/inside", false},
		{strings.Repeat("a", MaxIDLength+1), false},
	}

	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestIDParamsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/companies/:companyId/customers/:customerId",
		IDParamsMiddleware("companyId", "customerId", "unused"),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		path string
		want int
	}{
		{"/companies/co_1/customers/cus_1", http.StatusOK},
		{"/companies/co%201/customers/cus_1", http.StatusBadRequest},
		{"/companies/co_1/customers/-cus", http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", tc.path, nil))
		if w.Code != tc.want {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.want)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", bytes.NewReader([]byte("small"))))
	if w.Code != http.StatusOK {
		t.Fatalf("small body: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", bytes.NewReader(bytes.Repeat([]byte("x"), 64))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("large body: got %d", w.Code)
	}
}
