package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhone(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		region string
		want   string
	}{
		{"formatted us", "+1 (234) 567-8901", "US", "+12345678901"},
		{"bare national", "(234) 567-8901", "US", "+12345678901"},
		{"dots and dashes", "234.567.8901", "US", "+12345678901"},
		{"already e164", "+12345678901", "US", "+12345678901"},
		{"uk number with region", "020 7946 0958", "GB", "+442079460958"},
		{"too short", "5551234", "US", ""},
		{"letters", "call me maybe", "US", ""},
		{"empty", "", "US", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Phone(tt.in, tt.region))
		})
	}
}

func TestPhoneDefaultRegion(t *testing.T) {
	// An empty region falls back to US.
	assert.Equal(t, "+12345678901", Phone("(234) 567-8901", ""))
}

func TestPhoneIdempotent(t *testing.T) {
	once := Phone("+1 (234) 567-8901", "US")
	assert.Equal(t, once, Phone(once, "US"))
}

func TestDigits(t *testing.T) {
	assert.Equal(t, "12345678901", Digits("+1 (234) 567-8901"))
	assert.Equal(t, "", Digits("no digits"))
}

func TestPhoneVariants(t *testing.T) {
	full, national := PhoneVariants("+12345678901")
	assert.Equal(t, "12345678901", full)
	assert.Equal(t, "2345678901", national)

	full, national = PhoneVariants("+442079460958")
	assert.Equal(t, "442079460958", full)
	assert.Equal(t, "2079460958", national)

	// Unparseable input degrades to the same digit string twice.
	full, national = PhoneVariants("12345")
	assert.Equal(t, "12345", full)
	assert.Equal(t, full, national)
}
