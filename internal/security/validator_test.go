package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

func TestIsLoopbackHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"127.0.0.1", true},
		{"127.0.0.53", true},
		{"::1", true},
		{"[::1]", true},
		{"192.168.1.10", false},
		{"example.com", false},
		{"8.8.8.8", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLoopbackHost(tt.host))
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, IsLoopbackAddr("127.0.0.1:51234"))
	assert.True(t, IsLoopbackAddr("[::1]:8765"))
	assert.False(t, IsLoopbackAddr("10.0.0.4:51234"))
}

func TestValidateEndpointURL(t *testing.T) {
	assert.NoError(t, ValidateEndpointURL("http://127.0.0.1:8765"))
	assert.NoError(t, ValidateEndpointURL("http://localhost:8765"))
	assert.Error(t, ValidateEndpointURL("http://example.com:8765"))
	assert.Error(t, ValidateEndpointURL("http://192.168.1.2:8765"))
	assert.Error(t, ValidateEndpointURL("not a url at all\x7f"))
	assert.Error(t, ValidateEndpointURL(""))
}

func TestValidateSourceOrigin(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"loopback", "http://localhost:3000/page", true},
		{"loopback ip", "http://127.0.0.1/app", true},
		{"dev local suffix", "https://myapp.local/editor", true},
		{"dev test suffix", "https://staging.test/deploy", true},
		{"dev example suffix", "https://docs.example/page", true},
		{"private 10/8", "http://10.1.2.3/dash", true},
		{"private 172.16/12", "http://172.20.0.5/", true},
		{"private 192.168/16", "http://192.168.1.50/admin", true},
		{"public host", "https://news.ycombinator.com/item", false},
		{"public ip", "http://8.8.8.8/", false},
		{"empty", "", false},
		{"no host", "/relative/path", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSourceOrigin(tt.raw)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrForbiddenOrigin)
			}
		})
	}
}

func TestValidatePrompt(t *testing.T) {
	assert.Error(t, ValidatePrompt(""))
	assert.Error(t, ValidatePrompt("   \t\n"))
	assert.NoError(t, ValidatePrompt("explain this function"))
}

func TestValidatePromptBoundary(t *testing.T) {
	atLimit := strings.Repeat("a", protocol.MaxPromptChars)
	assert.NoError(t, ValidatePrompt(atLimit), "prompt exactly at the ceiling must pass")

	overLimit := atLimit + "a"
	assert.Error(t, ValidatePrompt(overLimit), "one character over the ceiling must fail")
}

func TestValidateClientID(t *testing.T) {
	assert.NoError(t, ValidateClientID(1))
	assert.NoError(t, ValidateClientID(42))
	assert.Error(t, ValidateClientID(0))
	assert.Error(t, ValidateClientID(-7))
}

func TestRedact(t *testing.T) {
	tests := []struct {
		key      string
		value    string
		redacted bool
	}{
		{"password", "hunter2", true},
		{"api_token", "abc123", true},
		{"apiKey", "abc123", true},
		{"client_secret", "s3cret", true},
		{"credentials", "user:pass", true},
		{"authorization", "Bearer xyz", true},
		{"session_cookie", "sid=1", true},
		{"workspace", "my-project", false},
		{"url", "http://localhost/", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := Redact(tt.key, tt.value)
			if tt.redacted {
				assert.Equal(t, RedactedValue, got)
			} else {
				assert.Equal(t, tt.value, got)
			}
		})
	}
}

func TestRedactMap(t *testing.T) {
	in := map[string]string{
		"workspace": "proj",
		"token":     "abc",
	}
	out := RedactMap(in)
	assert.Equal(t, "proj", out["workspace"])
	assert.Equal(t, RedactedValue, out["token"])
	assert.Equal(t, "abc", in["token"], "input map must not be modified")
}
