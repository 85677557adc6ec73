package session

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIsSecure(t *testing.T) {
	tests := []struct {
		name   string
		tls    bool
		header map[string]string
		want   bool
	}{
		{name: "plain", want: false},
		{name: "direct tls", tls: true, want: true},
		{name: "x-forwarded-proto", header: map[string]string{"X-Forwarded-Proto": "HTTPS"}, want: true},
		{name: "forwarded", header: map[string]string{"Forwarded": "for=10.0.0.1;proto=https"}, want: true},
		{name: "forwarded http", header: map[string]string{"Forwarded": "proto=http"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.tls {
				r.TLS = &tls.ConnectionState{}
			}
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, RequestIsSecure(r))
		})
	}
	assert.False(t, RequestIsSecure(nil))
}
