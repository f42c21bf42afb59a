package output_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrocap/output"
)

func TestResolveFilenameTokens(t *testing.T) {
	v := output.Values{
		Time:     time.Date(2024, 3, 7, 21, 4, 9, 250*int(time.Millisecond), time.UTC),
		Filter:   "Red",
		Profile:  "jupiter",
		Gain:     12.5,
		Exposure: 20 * time.Millisecond,
	}
	cases := []struct {
		tmpl, want string
	}{
		{"cap-%INDEX", "cap-0042"},
		{"cap-%I", "cap-0042"},
		{"%DATE-%TIME", "20240307-210409"},
		{"%D_%T.%U", "20240307_210409.250"},
		{"%YEAR/%MONTH/%DAY %HOUR:%MINUTE:%SECOND", "2024/03/07 21:04:09"},
		{"%Y%M%d%H%S", "202403072109"},
		{"%EPOCH", "1709845449"},
		{"%E", "1709845449"},
		{"%FILTER-%PROFILE", "Red-jupiter"},
		{"g%GAIN-%G", "g12.5-12.5"},
		{"%EXPMSms-%xms", "20ms-20ms"},
		{"%EXPSs-%Xs", "0.02s-0.02s"},
	}
	for _, c := range cases {
		got, _ := output.ResolveFilename(c.tmpl, 42, 4, v)
		assert.Equal(t, c.want, got, c.tmpl)
	}
}

func TestResolveFilenameWarnsWithoutIndex(t *testing.T) {
	name, warn := output.ResolveFilename("jupiter-%FILTER", 1, 4, output.Values{Filter: "G"})
	assert.Equal(t, "jupiter-G", name)
	require.NotNil(t, warn)
	assert.Equal(t, output.CodeOverwriteRisk, warn.Code)

	_, warn = output.ResolveFilename("jupiter-%I", 1, 4, output.Values{})
	assert.Nil(t, warn)
}

func TestResolveFilenameNoDigitWidth(t *testing.T) {
	name, _ := output.ResolveFilename("f%I", 7, 0, output.Values{})
	assert.Equal(t, "f7", name)
}

func TestCheckIndexCapacity(t *testing.T) {
	warn := output.CheckIndexCapacity(150000, 4)
	require.NotNil(t, warn)
	assert.Equal(t, output.CodeIndexOverflow, warn.Code)

	assert.Nil(t, output.CheckIndexCapacity(9999, 4))
	assert.NotNil(t, output.CheckIndexCapacity(10000, 4))
	assert.Nil(t, output.CheckIndexCapacity(1<<62, 0))
	assert.Equal(t, uint64(999999), output.MaxIndex(6))
}

func TestExpectedIndex(t *testing.T) {
	assert.Equal(t, uint64(150000), output.ExpectedIndex(output.FITS, 0, 3, 50000))
	assert.Equal(t, uint64(13), output.ExpectedIndex(output.SER, 10, 3, 50000))
	assert.Equal(t, uint64(11), output.ExpectedIndex(output.AVI, 10, 0, 0))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]output.Format{
		"SER": output.SER, ".tif": output.TIFF, "tiff": output.TIFF, "fits": output.FITS,
		"fit": output.FITS, "avi": output.AVI, "mov": output.MOV, "pipe": output.NamedPipe, "png": output.PNG,
	} {
		got, err := output.ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := output.ParseFormat("gif")
	assert.Error(t, err)

	assert.True(t, output.FITS.Discrete())
	assert.True(t, output.PNG.Discrete())
	assert.False(t, output.SER.Discrete())
	assert.Equal(t, ".tif", output.TIFF.Extension())
	assert.Equal(t, "", output.NamedPipe.Extension())

	p, err := output.ParseOverwritePolicy("Never")
	require.NoError(t, err)
	assert.Equal(t, output.NeverOverwrite, p)
}
