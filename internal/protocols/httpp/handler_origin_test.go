package httpp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsOriginAllowed(t *testing.T) {
	for _, ca := range []struct {
		name         string
		origin       string
		allowOrigins []string
		out          string
		ok           bool
	}{
		{
			"wildcard",
			"https://example.com",
			[]string{"*"},
			"*",
			true,
		},
		{
			"exact match",
			"https://example.com",
			[]string{"https://example.com"},
			"https://example.com",
			true,
		},
		{
			"implicit port",
			"https://example.com:443",
			[]string{"https://example.com"},
			"https://example.com:443",
			true,
		},
		{
			"not allowed",
			"https://evil.com",
			[]string{"https://example.com"},
			"",
			false,
		},
		{
			"empty list",
			"https://example.com",
			nil,
			"",
			false,
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			out, err := isOriginAllowed(ca.origin, ca.allowOrigins)
			if ca.ok {
				require.NoError(t, err)
				require.Equal(t, ca.out, out)
			} else {
				require.Error(t, err)
			}
		})
	}
}
