package identity

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "72929692-e992-470d-9549-6e75b21ac62e"

func TestParseCanonical(t *testing.T) {
	id, err := Parse(token)
	require.NoError(t, err)
	assert.Equal(t, token, id.String())
	assert.Equal(t, byte(0x72), id[0])
	assert.Equal(t, byte(0x2e), id[15])

	upper, err := Parse("72929692-E992-470D-9549-6E75B21AC62E")
	require.NoError(t, err)
	assert.Equal(t, id, upper)
}

func TestParseRejectsBadStructure(t *testing.T) {
	for _, bad := range []string{
		"",
		"not-a-uuid",
		"72929692e992470d95496e75b21ac62e",       // no groups
		"72929692-e992-370d-9549-6e75b21ac62e",   // version 3
		"72929692-e992-470d-c549-6e75b21ac62e",   // variant c
		"{72929692-e992-470d-9549-6e75b21ac62e}", // braces
		"72929692-e992-470d-9549-6e75b21ac62",    // short
		"urn:uuid:72929692-e992-470d-9549-6e75b21ac62e",
	} {
		_, err := Parse(bad)
		assert.True(t, errors.Is(err, ErrInvalidToken), "%q: %v", bad, err)
	}
}

func TestValidate(t *testing.T) {
	id := MustParse(token)
	assert.NoError(t, id.Validate(id))

	for i := 0; i < len(id); i++ {
		other := id
		other[i] ^= 0x01
		assert.True(t, errors.Is(id.Validate(other), ErrRejected), "byte %d", i)
	}
}

func TestCheck(t *testing.T) {
	id := MustParse(token)
	assert.NoError(t, Check("72929692-E992-470D-9549-6E75B21AC62E", id))
	assert.True(t, errors.Is(Check(token, Random()), ErrRejected))
	assert.True(t, errors.Is(Check("bogus", id), ErrInvalidToken))
}

func TestRandomIsVersion4(t *testing.T) {
	id := Random()
	_, err := Parse(id.String())
	assert.NoError(t, err)
}
