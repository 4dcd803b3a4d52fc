package call

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("(201) 555-0123", "US")
	require.NoError(t, err)
	assert.Equal(t, "+12015550123", got)

	got, err = NormalizePhone("+44 121 234 5678", "US")
	require.NoError(t, err)
	assert.Equal(t, "+441212345678", got)

	for _, bad := range []string{"", "   ", "12", "not a number"} {
		_, err := NormalizePhone(bad, "US")
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, apperrors.ErrValidation), bad)
	}
}
