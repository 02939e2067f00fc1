package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"agt_AbCdEfGhIjKlMnOpQrSt", true},
		{"acc_00000000000000000000", true},
		{"wal_ZZZZZZZZZZZZZZZZZZZZ", true},
		{"txn_1234567890abcdefghij", true},

		// Invalid cases
		{"agt_short", false},
		{"agt_AbCdEfGhIjKlMnOpQrStU", false}, // too long
		{"xyz_AbCdEfGhIjKlMnOpQrSt", false},  // unknown prefix
		{"agt-AbCdEfGhIjKlMnOpQrSt", false},  // wrong separator
		{"agt_AbCdEfGhIjKlMnOpQr!t", false},  // invalid char
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestHasIDPrefix(t *testing.T) {
	if !HasIDPrefix("agt_AbCdEfGhIjKlMnOpQrSt", "agt_") {
		t.Error("expected valid agt_ id to match")
	}
	if HasIDPrefix("acc_AbCdEfGhIjKlMnOpQrSt", "agt_") {
		t.Error("acc_ id should not match agt_ prefix")
	}
}

func TestIsValidSlug(t *testing.T) {
	tests := []struct {
		slug  string
		valid bool
	}{
		{"openai", true},
		{"web-search", true},
		{"text_to_speech", true},
		{"s3", true},

		{"", false},
		{"Upper", false},
		{"double--dash", false},
		{"-leading", false},
		{"trailing-", false},
		{"has space", false},
	}

	for _, tc := range tests {
		if got := IsValidSlug(tc.slug); got != tc.valid {
			t.Errorf("IsValidSlug(%q) = %v, want %v", tc.slug, got, tc.valid)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"a@b.co", true},
		{"agent.owner+tag@example.com", true},

		{"", false},
		{"no-at-sign", false},
		{"spaces in@example.com", false},
		{"nodomain@", false},
	}

	for _, tc := range tests {
		if got := IsValidEmail(tc.email); got != tc.valid {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tc.email, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"  hello  ", 100, "hello"},
		{"truncate me", 8, "truncate"},
		{"null\x00byte", 100, "nullbyte"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestParseLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		query    string
		expected int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=500", 200},
		{"limit=0", 50},
		{"limit=-5", 50},
		{"limit=abc", 50},
	}

	for _, tc := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
		if got := ParseLimit(c, 50, 200); got != tc.expected {
			t.Errorf("ParseLimit(%q) = %d, want %d", tc.query, got, tc.expected)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("name", ""),
		ValidEmail("email", "not-an-email"),
		ValidSlug("slug", "ok-slug"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "name" || errs[1].Field != "email" {
		t.Errorf("unexpected fields: %v", errs)
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/agents/:id", IDParamMiddleware("id", "agt_"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents/agt_AbCdEfGhIjKlMnOpQrSt", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id rejected: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents/bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", w.Code)
	}
}

func TestOneOf(t *testing.T) {
	if err := OneOf("tier", "curated", "curated", "community")(); err != nil {
		t.Errorf("expected curated to pass, got %v", err)
	}
	if err := OneOf("tier", "premium", "curated", "community")(); err == nil {
		t.Error("expected premium to fail")
	}
	// Empty values are left to Required.
	if err := OneOf("tier", "", "curated", "community")(); err != nil {
		t.Errorf("expected empty value to pass, got %v", err)
	}
}
