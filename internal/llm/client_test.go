package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestCleanJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", "Here you go: {\"a\":1} hope it helps", `{"a":1}`},
		{"array", "[1,2]", "[1,2]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CleanJSON(tc.in))
		})
	}
}

func TestDecodeJSONWrapsErrors(t *testing.T) {
	var out struct{ A int }
	require.NoError(t, DecodeJSON("```json\n{\"A\":3}```", &out))
	assert.Equal(t, 3, out.A)

	err := DecodeJSON("not json", &out)
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestToContentsSplitsSystemMessages(t *testing.T) {
	system, contents := toContents([]Message{
		System("be brief"),
		User("hello"),
		{Role: RoleModel, Content: "hi"},
		System("no emojis"),
	})
	require.NotNil(t, system)
	assert.Len(t, system.Parts, 2)
	require.Len(t, contents, 2)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
}
