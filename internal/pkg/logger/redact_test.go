package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "ja***@acme.io", RedactEmail("jane.doe@acme.io"))
	assert.Equal(t, "***@acme.io", RedactEmail("jd@acme.io"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}

func TestRedactPhone(t *testing.T) {
	assert.Equal(t, "***89", RedactPhone("+49 170 123456789"))
	assert.Equal(t, "***", RedactPhone("12"))
}

func TestRedactPIIValueByKey(t *testing.T) {
	assert.Equal(t, "ja***@acme.io", redactPIIValue("lead_email", "jane.doe@acme.io"))
	assert.Equal(t, "***67", redactPIIValue("phone", "0171234567"))
	// Emails embedded in free-form values are masked too
	assert.Equal(t, "contact ja***@acme.io now", redactPIIValue("note", "contact jane@acme.io now"))
}
