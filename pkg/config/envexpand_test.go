package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvSubstitutes(t *testing.T) {
	t.Setenv("LEGION_TEST_HOST", "db.internal")
	t.Setenv("LEGION_TEST_PORT", "5432")

	out := ExpandEnv([]byte("dsn: {{.LEGION_TEST_HOST}}:{{.LEGION_TEST_PORT}}"))
	assert.Equal(t, "dsn: db.internal:5432", string(out))
}

func TestExpandEnvMissingVarBecomesEmpty(t *testing.T) {
	out := ExpandEnv([]byte("key: {{.LEGION_DOES_NOT_EXIST_XYZ}}"))
	assert.Equal(t, "key: ", string(out))
}

func TestExpandEnvLeavesDollarSignsAlone(t *testing.T) {
	in := []byte(`quirk: "ends every price with $USD"`)
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte("key: {{.UNCLOSED")
	assert.Equal(t, in, ExpandEnv(in))
}
