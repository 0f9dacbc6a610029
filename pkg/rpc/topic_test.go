package rpc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveTopics(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		target   string
		action   string
		expected Topic
		wantErr  bool
	}{
		{
			name:     "plain",
			target:   "dev-1",
			action:   "1",
			expected: Topic{Request: "dev-1/action1/request", Response: "dev-1/action1/response"},
		},
		{
			name:     "with prefix",
			prefix:   "/home/",
			target:   "relay_7",
			action:   "12",
			expected: Topic{Request: "home/relay_7/action12/request", Response: "home/relay_7/action12/response"},
		},
		{name: "empty target", target: "", action: "1", wantErr: true},
		{name: "empty action", target: "dev-1", action: "", wantErr: true},
		{name: "mqtt multi-level wildcard", target: "dev#", action: "1", wantErr: true},
		{name: "mqtt single-level wildcard", target: "dev-1", action: "+", wantErr: true},
		{name: "nats wildcard", target: "dev.*", action: "1", wantErr: true},
		{name: "nats full wildcard", target: "dev-1", action: ">", wantErr: true},
		{name: "separator in target", target: "a/b", action: "1", wantErr: true},
		{name: "dot in target", target: "a.b", action: "1", wantErr: true},
		{name: "trailing dot in action", target: "dev-1", action: "1.", wantErr: true},
		{name: "dot in prefix", prefix: "home/site.7", target: "dev-1", action: "1", wantErr: true},
		{name: "whitespace", target: "dev 1", action: "1", wantErr: true},
		{name: "reserved prefix", target: "$SYS", action: "1", wantErr: true},
		{name: "reserved prefix via prefix", prefix: "$share", target: "dev-1", action: "1", wantErr: true},
		{name: "too long", target: strings.Repeat("x", MaxTopicLength), action: "1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Deriver{Prefix: tt.prefix}.Derive(tt.target, tt.action)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDeriveTopicsDeterministic(t *testing.T) {
	for _, pair := range [][2]string{{"dev-1", "1"}, {"siren", "3"}, {"mixer-kitchen", "42"}} {
		a, err := DeriveTopics(pair[0], pair[1])
		require.NoError(t, err)
		b, err := DeriveTopics(pair[0], pair[1])
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.LessOrEqual(t, len(a.Response), MaxTopicLength)
	}
}

func TestDeriveTopicsDotsDoNotAlias(t *testing.T) {
	a, err := Deriver{Prefix: "a"}.Derive("b", "1")
	require.NoError(t, err)
	assert.Equal(t, "a/b/action1/request", a.Request)

	// with dots allowed, "a.b" would reach the same NATS subject a.b.action1.request
	_, err = DeriveTopics("a.b", "1")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorContains(t, err, "'.'")
}
