package fpgatopo

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert := require.New(t)
		for _, test := range []struct {
			s    string
			mag  float64
			unit string
			secs float64
		}{
			{s: "10ms", mag: 10, unit: "ms", secs: 0.01},
			{s: "23s", mag: 23, unit: "s", secs: 23},
			{s: "200ns", mag: 200, unit: "ns", secs: 200e-9},
			{s: "2.5us", mag: 2.5, unit: "us", secs: 2.5e-6},
			{s: ".5ms", mag: 0.5, unit: "ms", secs: 0.5e-3},
			{s: "0ms", mag: 0, unit: "ms", secs: 0},
			{s: "3ks", mag: 3, unit: "ks", secs: 3000},
		} {
			d, err := ParseDuration(test.s)
			assert.NoError(err, test.s)
			assert.Equal(test.mag, d.Magnitude, test.s)
			assert.Equal(test.unit, d.Unit, test.s)
			assert.InDelta(test.secs, d.Seconds(), 1e-15, test.s)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		assert := require.New(t)
		for _, s := range []string{"", "10", "ms", "10 ms", "10m", "10xs", "ten ms", "1e3ms", "10ms ", "10.ms"} {
			_, err := ParseDuration(s)
			assert.Error(err, s)
			assert.True(errors.Is(err, ErrInvalidDuration), s)
		}
	})

	t.Run("overflow", func(t *testing.T) {
		assert := require.New(t)
		s := "1" + strings.Repeat("0", 400) + "ms"
		_, err := ParseDuration(s)
		assert.True(errors.Is(err, ErrInvalidDuration))
		assert.Contains(err.Error(), "magnitude out of range")
		assert.Equal(1, strings.Count(err.Error(), s))
	})

	t.Run("round trip", func(t *testing.T) {
		assert := require.New(t)
		for _, s := range []string{"10ms", "1ms", "0ms", "2.5ms", "123s", "0.25us", "5.0ms"} {
			d, err := ParseDuration(s)
			assert.NoError(err)
			assert.Equal(s, d.String())
		}
	})

	t.Run("must", func(t *testing.T) {
		assert := require.New(t)
		assert.Equal("7ms", MustParseDuration("7ms").String())
		assert.Panics(func() { MustParseDuration("7") })
	})
}

func TestHalveDuration(t *testing.T) {
	assert := require.New(t)
	for _, test := range []struct {
		in, out string
	}{
		{in: "10ms", out: "5.0ms"},
		{in: "50ms", out: "25.0ms"},
		{in: "5ms", out: "2.5ms"},
		{in: "100ms", out: "50.0ms"},
		{in: "1ms", out: "0.5ms"},
		{in: "0ms", out: "0.0ms"},
		{in: "3s", out: "1.5s"},
		{in: "2.5ms", out: "1.25ms"},
	} {
		half, err := HalveDuration(test.in)
		assert.NoError(err, test.in)
		assert.Equal(test.out, half, test.in)

		// the result is itself a valid duration
		_, err = ParseDuration(half)
		assert.NoError(err, half)
	}

	_, err := HalveDuration("10")
	assert.True(errors.Is(err, ErrInvalidDuration))
}

func TestPoissonDuration(t *testing.T) {
	t.Run("keeps unit", func(t *testing.T) {
		assert := require.New(t)
		src := SeededSource(1)
		for _, s := range []string{"10ms", "1ms", "2ms", "123ms", "0ms", "4s"} {
			pd, err := PoissonDuration(s, src)
			assert.NoError(err, s)

			in := MustParseDuration(s)
			out, err := ParseDuration(pd)
			assert.NoError(err, pd)
			assert.Equal(in.Unit, out.Unit)
			assert.GreaterOrEqual(out.Magnitude, 0.0)
			assert.Equal(float64(int64(out.Magnitude)), out.Magnitude, "poisson draws are whole numbers")
		}
	})

	t.Run("zero rate", func(t *testing.T) {
		assert := require.New(t)
		pd, err := PoissonDuration("0ms", SeededSource(3))
		assert.NoError(err)
		assert.Equal("0ms", pd)
	})

	t.Run("seeded draws repeat", func(t *testing.T) {
		assert := require.New(t)
		draw := func(seed uint64) []string {
			src := SeededSource(seed)
			rtn := []string{}
			for i := 0; i < 20; i++ {
				pd, err := PoissonDuration("10ms", src)
				assert.NoError(err)
				rtn = append(rtn, pd)
			}
			return rtn
		}
		assert.Equal(draw(42), draw(42))
	})

	t.Run("known draws", func(t *testing.T) {
		assert := require.New(t)
		for _, test := range []struct {
			seed uint64
			want string
		}{
			{seed: 1, want: "3ms"},
			{seed: 5, want: "9ms"},
			{seed: 42, want: "6ms"},
		} {
			pd, err := PoissonDuration("5ms", SeededSource(test.seed))
			assert.NoError(err)
			assert.Equal(test.want, pd, "seed %d", test.seed)
		}

		// successive draws continue the stream
		src := SeededSource(42)
		got := []string{}
		for i := 0; i < 4; i++ {
			pd, err := PoissonDuration("5ms", src)
			assert.NoError(err)
			got = append(got, pd)
		}
		assert.Equal([]string{"6ms", "6ms", "3ms", "8ms"}, got)
	})

	t.Run("mean near rate", func(t *testing.T) {
		assert := require.New(t)
		src := SeededSource(7)
		sum := 0.0
		n := 4000
		for i := 0; i < n; i++ {
			pd, err := MustParseDuration("20ms").Poisson(src)
			assert.NoError(err)
			sum += pd.Magnitude
		}
		assert.InDelta(20.0, sum/float64(n), 0.5)
	})

	t.Run("errors", func(t *testing.T) {
		assert := require.New(t)
		_, err := PoissonDuration("10ms", nil)
		assert.True(errors.Is(err, ErrInternal))

		_, err = PoissonDuration("-3ms", SeededSource(1))
		assert.True(errors.Is(err, ErrInvalidDuration))

		_, err = PoissonDuration("3", SeededSource(1))
		assert.True(errors.Is(err, ErrInvalidDuration))
	})

	t.Run("stream source", func(t *testing.T) {
		assert := require.New(t)
		src := CreateStreamSource("duration-test")
		pd, err := PoissonDuration("10ms", src)
		assert.NoError(err)
		assert.Regexp(`^[0-9]+ms$`, pd)
	})
}

func TestReportErrs(t *testing.T) {
	assert := require.New(t)
	assert.NoError(ReportErrs(nil))
	assert.NoError(ReportErrs([]error{nil, nil}))

	one := errors.Wrap(ErrInvalidLinkSpec, "loss")
	assert.Equal(one, ReportErrs([]error{nil, one}))

	both := ReportErrs([]error{one, errors.New("second")})
	assert.True(errors.Is(both, ErrInvalidLinkSpec))
	assert.Contains(both.Error(), "second")
	assert.Contains(both.Error(), "loss")
}
