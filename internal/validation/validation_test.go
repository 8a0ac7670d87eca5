package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	cases := []struct {
		id    string
		valid bool
	}{
		{"ord_0123456789abcdef01234567", true},
		{"esc_aaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"dsp_ffffffffffffffffffffffff", true},
		{"ord_0123456789ABCDEF01234567", false}, // uppercase hex
		{"ord_0123", false},                     // too short
		{"order_0123456789abcdef012345", false}, // wrong prefix length
		{"ord-0123456789abcdef01234567", false},
		{"", false},
		{"ord_0123456789abcdef01234567x", false}, // trailing junk
	}
	for _, c := range cases {
		if got := IsValidID(c.id); got != c.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", c.id, got, c.valid)
		}
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/orders/:id", IDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/ord_0123456789abcdef01234567", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid ID rejected: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/DROP%20TABLE", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed ID, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader("tiny")))
	if w.Code != http.StatusOK {
		t.Errorf("small body rejected: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader(strings.Repeat("x", 64))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for oversized body, got %d", w.Code)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("unexpected result: %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("expected truncation, got %q", got)
	}
}
