package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	hash, salt, err := HashToken("s3cret")
	require.NoError(t, err)

	ok, err := VerifyToken("s3cret", salt, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyToken("guess", salt, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyToken("s3cret", "%%%", hash)
	assert.Error(t, err)
}

func TestOperator(t *testing.T) {
	hash, salt, err := HashToken("s3cret")
	require.NoError(t, err)

	op := NewOperator(hash, salt)
	assert.True(t, op.Authorize("s3cret"))
	assert.False(t, op.Authorize(""))
	assert.False(t, op.Authorize("S3CRET"))

	assert.False(t, NewOperator("", "").Authorize("s3cret"))
	var unset *Operator
	assert.False(t, unset.Authorize("s3cret"))
}
