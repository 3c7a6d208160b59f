package versioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrent(t *testing.T) {
	info, err := Current("v1.4.2")
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", info.Version)
	assert.Equal(t, uint64(1), info.Major)
	assert.Equal(t, uint64(4), info.Minor)
	assert.Equal(t, uint64(2), info.Patch)
	assert.True(t, info.Stable)
	assert.Equal(t, APIVersion, info.API)
}

func TestCurrent_PrereleaseIsUnstable(t *testing.T) {
	info, err := Current("1.0.0-rc.1")
	require.NoError(t, err)
	assert.Equal(t, "rc.1", info.Prerelease)
	assert.False(t, info.Stable)

	info, err = Current("")
	require.NoError(t, err)
	assert.False(t, info.Stable, "default build is a dev prerelease")
}

func TestCurrent_Invalid(t *testing.T) {
	info, err := Current("not-a-version")
	assert.Error(t, err)
	assert.Equal(t, "not-a-version", info.Version)
}

func TestSatisfies(t *testing.T) {
	ok, err := Satisfies("1.3.0", ">= 1.2, < 2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Satisfies("2.0.0", ">= 1.2, < 2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Satisfies("1.0.0", "not a constraint")
	assert.Error(t, err)
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible(APIVersion))
	assert.False(t, Compatible("0.9.0"))
	assert.False(t, Compatible("2.0.0"))
	assert.False(t, Compatible("1.9.0"), "client newer than server")
	assert.False(t, Compatible("garbage"))
}
