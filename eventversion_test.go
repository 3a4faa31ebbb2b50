package stateres

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomVersionCapabilities(t *testing.T) {
	require.True(t, RoomVersionV1.Supported())
	require.True(t, RoomVersionV11.Supported())
	require.False(t, RoomVersion("not-a-version").Supported())

	algorithm, err := RoomVersionV1.StateResAlgorithm()
	require.NoError(t, err)
	require.Equal(t, StateResV1, algorithm)

	for _, version := range []RoomVersion{
		RoomVersionV2, RoomVersionV3, RoomVersionV4, RoomVersionV5,
		RoomVersionV6, RoomVersionV7, RoomVersionV8, RoomVersionV9,
		RoomVersionV10, RoomVersionV11,
	} {
		algorithm, err := version.StateResAlgorithm()
		require.NoError(t, err, "version %q", version)
		require.Equal(t, StateResV2, algorithm, "version %q", version)
	}

	_, err = RoomVersion("not-a-version").StateResAlgorithm()
	var unsupported UnsupportedRoomVersionError
	require.ErrorAs(t, err, &unsupported)
}

func TestRequireIntegerPowerLevels(t *testing.T) {
	for version, expected := range map[RoomVersion]bool{
		RoomVersionV2:  false,
		RoomVersionV9:  false,
		RoomVersionV10: true,
		RoomVersionV11: true,
	} {
		strict, err := version.RequireIntegerPowerLevels()
		require.NoError(t, err, "version %q", version)
		require.Equal(t, expected, strict, "version %q", version)
	}

	_, err := RoomVersion("not-a-version").RequireIntegerPowerLevels()
	require.Error(t, err)
}
