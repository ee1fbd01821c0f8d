package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type testPayload struct {
	Name     string `json:"name" validate:"required,min=1"`
	Priority int    `json:"priority" validate:"gte=0"`
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		errMsg  string
	}{
		{name: "valid", body: `{"name":"q"}`, wantErr: false},
		{name: "empty body", body: "", wantErr: true, errMsg: "empty"},
		{name: "invalid JSON", body: `{bad}`, wantErr: true, errMsg: "invalid JSON"},
		{name: "unknown field", body: `{"name":"q","extra":1}`, wantErr: true, errMsg: "invalid JSON"},
		{name: "trailing data", body: `{"name":"q"}{"x":1}`, wantErr: true, errMsg: "single JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p testPayload
			err := Decode(r, &p, 1<<20)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Fatalf("error = %q, want to contain %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if errs := Validate(testPayload{Name: "q"}); len(errs) != 0 {
		t.Fatalf("expected no errors, got %+v", errs)
	}
	if errs := Validate(testPayload{}); len(errs) == 0 {
		t.Fatalf("expected errors for missing name")
	}
}

func TestDecodeAndValidate(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"q"}`))
	w := httptest.NewRecorder()
	var p testPayload
	if !DecodeAndValidate(w, r, &p, 1<<20) {
		t.Fatalf("expected success, got status %d", w.Code)
	}

	r2 := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	w2 := httptest.NewRecorder()
	var p2 testPayload
	if DecodeAndValidate(w2, r2, &p2, 1<<20) {
		t.Fatalf("expected validation failure")
	}
	if w2.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w2.Code)
	}
}
