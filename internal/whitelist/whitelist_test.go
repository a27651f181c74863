package whitelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestIsWhitelisted(t *testing.T) {
	c := NewChecker([]string{" Example.com ", "*.corp.net", "boss@partner.org", ""}, zap.NewNop())
	assert.Equal(t, 3, c.Len())

	cases := []struct {
		from string
		want bool
	}{
		{"alice@example.com", true},
		{"Alice <ALICE@EXAMPLE.COM>", true},
		{"bob@mail.example.com", true},
		{"eve@example.com.evil.io", false},
		{"eve@notexample.com", false},
		{"carol@hr.corp.net", true},
		{"boss@partner.org", true},
		{"intern@partner.org", false},
		{"not an address", false},
	}
	for _, tc := range cases {
		t.Run(tc.from, func(t *testing.T) {
			assert.Equal(t, tc.want, c.IsWhitelisted(tc.from))
		})
	}
}

func TestEmptyWhitelist(t *testing.T) {
	c := NewChecker(nil, nil)
	assert.False(t, c.IsWhitelisted("alice@example.com"))
}
