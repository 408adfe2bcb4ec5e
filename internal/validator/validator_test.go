package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSONStripsFencing(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"verdict":"accept"}`, `{"verdict":"accept"}`},
		{"```json\n{\"verdict\":\"accept\"}\n```", `{"verdict":"accept"}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, extractJSON(tc.in))
	}
}

func TestNewGenAIValidatorRequiresKey(t *testing.T) {
	_, err := NewGenAIValidator("", "model", 0)
	assert.Error(t, err)
}
