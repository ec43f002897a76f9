// Package fpgatopo builds parameterized tree topologies for network emulation, with
// an optional level of FPGA compute switches and a cloud endpoint attached to the root,
// and resolves the bandwidth, delay and loss each link is shaped with.
package fpgatopo

// duration.go holds the delay strings handed to link shaping: parsing, halving
// and Poisson perturbation

import (
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// validTime matches a signed decimal magnitude followed by an optional SI prefix and 's'.
// The first group is the magnitude, the second the unit suffix (prefix and 's').
var validTime = regexp.MustCompile(`^([-+]?[0-9]*\.?[0-9]+)([PTGMkmunpf]?s)$`)

// siScale gives the number of seconds in one unit, indexed by the unit suffix
var siScale = map[string]float64{
	"Ps": 1e15,
	"Ts": 1e12,
	"Gs": 1e9,
	"Ms": 1e6,
	"ks": 1e3,
	"s":  1.0,
	"ms": 1e-3,
	"us": 1e-6,
	"ns": 1e-9,
	"ps": 1e-12,
	"fs": 1e-15,
}

// A Duration is a delay as written for traffic control, e.g. "10ms", "2.5s", "200ns".
// Unit holds the full suffix, prefix included ("ms", "s", "ns").
type Duration struct {
	Magnitude float64
	Unit      string

	// integral is set when the magnitude is written without a fractional part
	integral bool
}

// ParseDuration splits a duration string into its magnitude and unit suffix.
// An error wrapping ErrInvalidDuration is returned when s does not match the grammar
func ParseDuration(s string) (Duration, error) {
	match := validTime.FindStringSubmatch(s)
	if match == nil {
		return Duration{}, errors.Wrapf(ErrInvalidDuration,
			"%q must be in the format <time><unit>s, e.g. '10ms', '23s', '200ns'", s)
	}

	mag, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		// only reachable when the magnitude overflows a float64
		return Duration{}, errors.Wrapf(ErrInvalidDuration, "%q: magnitude out of range", s)
	}

	return Duration{Magnitude: mag, Unit: match[2], integral: !strings.Contains(match[1], ".")}, nil
}

// MustParseDuration is ParseDuration for literals known to be valid; it panics otherwise
func MustParseDuration(s string) Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String serializes the duration as "{magnitude}{unit}"
func (d Duration) String() string {
	return formatMagnitude(d.Magnitude, d.integral) + d.Unit
}

// Seconds converts the duration to seconds using the SI prefix of its unit
func (d Duration) Seconds() float64 {
	return d.Magnitude * siScale[d.Unit]
}

// Half returns a duration with exactly half the magnitude and the same unit.
// The result is always rendered as a float ("5.0ms").
func (d Duration) Half() Duration {
	return Duration{Magnitude: d.Magnitude / 2, Unit: d.Unit}
}

// Poisson draws one sample from a Poisson distribution whose rate is the magnitude of d,
// and returns it (an integer magnitude) with the unit of d. One draw is consumed from src.
func (d Duration) Poisson(src rand.Source) (Duration, error) {
	if src == nil {
		return Duration{}, errors.Wrap(ErrInternal, "poisson draw without a random source")
	}
	if d.Magnitude < 0 || math.IsInf(d.Magnitude, 0) || math.IsNaN(d.Magnitude) {
		return Duration{}, errors.Wrapf(ErrInvalidDuration,
			"%s cannot be the rate of a poisson distribution", d)
	}

	pd := distuv.Poisson{Lambda: d.Magnitude, Src: src}
	return Duration{Magnitude: pd.Rand(), Unit: d.Unit, integral: true}, nil
}

// HalveDuration returns the duration string with its magnitude divided by two
func HalveDuration(s string) (string, error) {
	d, err := ParseDuration(s)
	if err != nil {
		return "", err
	}
	return d.Half().String(), nil
}

// PoissonDuration returns the duration string with its magnitude replaced by
// a Poisson-distributed sample whose rate is that magnitude
func PoissonDuration(s string, src rand.Source) (string, error) {
	d, err := ParseDuration(s)
	if err != nil {
		return "", err
	}
	pd, err := d.Poisson(src)
	if err != nil {
		return "", err
	}
	return pd.String(), nil
}

// formatMagnitude renders integral magnitudes without a fraction and the others
// with the shortest representation that round-trips, keeping at least one fractional digit.
// Exponent notation is never used, so the result always matches validTime.
func formatMagnitude(mag float64, integral bool) string {
	str := strconv.FormatFloat(mag, 'f', -1, 64)
	if integral || strings.Contains(str, ".") {
		return str
	}
	return str + ".0"
}
