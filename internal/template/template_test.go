package template

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "plain text", body: "hello there"},
		{name: "known placeholders", body: "Hi {{name}}, call {{phone}}"},
		{name: "spaced placeholder", body: "Hi {{ first_name }}"},
		{name: "custom fields", body: "{{custom1}} / {{custom2}}"},
		{name: "unknown placeholder", body: "Hi {{nickname}}", wantErr: "nickname"},
		{name: "mixed known and unknown", body: "{{name}} {{order_id}}", wantErr: "order_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.body)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var unknown *ErrUnknownPlaceholder
			require.True(t, errors.As(err, &unknown))
			assert.Equal(t, tt.wantErr, unknown.Name)
		})
	}
}

func TestRender(t *testing.T) {
	attrs := map[string]string{
		"name":    "Maria Silva",
		"custom1": "ORD-1234",
	}

	out := Render("Hi {{name}}, your order {{custom1}} ships to {{phone}}", "5511999990000", attrs)
	assert.Equal(t, "Hi Maria Silva, your order ORD-1234 ships to 5511999990000", out)
}

func TestRenderFirstNameFallsBackToName(t *testing.T) {
	out := Render("Hi {{first_name}}", "5511999990000", map[string]string{"name": "Maria Silva"})
	assert.Equal(t, "Hi Maria", out)

	out = Render("Hi {{first_name}}", "5511999990000", map[string]string{"first_name": "Jo"})
	assert.Equal(t, "Hi Jo", out)
}

func TestRenderMissingAttributesRenderEmpty(t *testing.T) {
	out := Render("Hi {{name}}!", "5511999990000", nil)
	assert.Equal(t, "Hi !", out)
}

func TestRenderNormalizesUnicode(t *testing.T) {
	// "e" + combining acute vs precomposed "é" must render identically.
	decomposed := "José"
	composed := "José"

	a := Render("{{name}}", "1", map[string]string{"name": decomposed})
	b := Render("{{name}}", "1", map[string]string{"name": composed})
	assert.Equal(t, b, a)
}

func TestRenderWhitespaceOnlyName(t *testing.T) {
	out := Render("Hi {{first_name}}", "1", map[string]string{"name": "   "})
	assert.Equal(t, "Hi ", out)
}
