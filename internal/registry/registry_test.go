package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogValid(t *testing.T) {
	r := Default()
	require.NoError(t, r.Validate())
	assert.Contains(t, r.Keys(), "max_workers")
	assert.Contains(t, r.Keys(), "run_status")
}

func TestValidateValueInt(t *testing.T) {
	r := Default()

	assert.Nil(t, r.ValidateValue("max_workers", 10))
	assert.Nil(t, r.ValidateValue("max_workers", float64(10)))
	assert.Nil(t, r.ValidateValue("max_workers", int64(256)))

	verr := r.ValidateValue("max_workers", -5)
	require.NotNil(t, verr)
	assert.Equal(t, "max_workers", verr.Key)
	assert.Contains(t, verr.Issues[0], "below minimum")

	verr = r.ValidateValue("max_workers", 1000)
	require.NotNil(t, verr)
	assert.Contains(t, verr.Issues[0], "above maximum")

	verr = r.ValidateValue("max_workers", "ten")
	require.NotNil(t, verr)
	assert.Contains(t, verr.Issues[0], "expected integer")

	// non-integral floats are not integers
	verr = r.ValidateValue("max_workers", 7.5)
	require.NotNil(t, verr)
}

func TestValidateValueUnknownKey(t *testing.T) {
	r := Default()
	verr := r.ValidateValue("definitely_not_a_setting", 1)
	require.NotNil(t, verr)
	assert.Equal(t, []string{"unknown setting key"}, verr.Issues)
}

func TestValidateValueEnum(t *testing.T) {
	r := Default()
	assert.Nil(t, r.ValidateValue("run_status", "new"))
	assert.Nil(t, r.ValidateValue("run_status", "do_not_run"))

	verr := r.ValidateValue("run_status", "maybe")
	require.NotNil(t, verr)
	assert.Contains(t, verr.Issues[0], "not one of")

	verr = r.ValidateValue("run_status", 3)
	require.NotNil(t, verr)
}

func TestValidateValueBoolAndString(t *testing.T) {
	r := Default()
	assert.Nil(t, r.ValidateValue("paused", true))
	require.NotNil(t, r.ValidateValue("paused", "true"))

	assert.Nil(t, r.ValidateValue("db_image", "postgres:15"))
	require.NotNil(t, r.ValidateValue("db_image", 15))
}

func TestValidateValueURI(t *testing.T) {
	r := Default()
	assert.Nil(t, r.ValidateValue("webhook_url", "https://hooks.example.com/x"))
	assert.Nil(t, r.ValidateValue("webhook_url", "http://10.0.0.1:9000/hook"))

	require.NotNil(t, r.ValidateValue("webhook_url", "not a url"))
	require.NotNil(t, r.ValidateValue("webhook_url", "ftp://example.com"))
	require.NotNil(t, r.ValidateValue("webhook_url", "https://"))
}

func TestValidateValueJSON(t *testing.T) {
	r := Default()
	assert.Nil(t, r.ValidateValue("job_order", []any{"stage-db", "stage-run"}))
	assert.Nil(t, r.ValidateValue("job_order", map[string]any{"stages": []any{}}))
	require.NotNil(t, r.ValidateValue("job_order", "stage-db"))
	require.NotNil(t, r.ValidateValue("job_order", 1))
}

func TestFromYAMLStructural(t *testing.T) {
	_, err := FromYAML([]byte(`settings: {}`))
	assert.Error(t, err)

	_, err = FromYAML([]byte("settings:\n  x:\n    type: float"))
	assert.ErrorContains(t, err, "unsupported type")

	_, err = FromYAML([]byte("settings:\n  x:\n    type: enum"))
	assert.ErrorContains(t, err, "enum type requires")

	_, err = FromYAML([]byte("settings:\n  x:\n    type: string\n    min: 1"))
	assert.ErrorContains(t, err, "min/max only valid")

	_, err = FromYAML([]byte("settings:\n  x:\n    type: int\n    min: 10\n    max: 1"))
	assert.ErrorContains(t, err, "above max")

	_, err = FromYAML([]byte("settings:\n  x:\n    type: int\n    min: 1\n    max: 5\n    default: 9"))
	assert.ErrorContains(t, err, "default rejected")

	r, err := FromYAML([]byte("settings:\n  x:\n    type: int\n    min: 1\n    max: 5\n    default: 3"))
	require.NoError(t, err)
	assert.Nil(t, r.ValidateValue("x", 4))
}
