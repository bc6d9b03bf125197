package style

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// redsScheme is the nine-class sequential Reds scheme, light to dark.
var redsScheme = mustHexes(
	"#fff5f0", "#fee0d2", "#fcbba1", "#fc9272", "#fb6a4a",
	"#ef3b2c", "#cb181d", "#a50f15", "#67000d",
)

func mustHexes(hexes ...string) []colorful.Color {
	out := make([]colorful.Color, len(hexes))
	for i, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			panic(err)
		}
		out[i] = c
	}
	return out
}

// Reds maps t in [0,1] onto the Reds ramp using a uniform cubic B-spline
// through the scheme colors in RGB space. t outside [0,1] is clamped.
func Reds(t float64) string {
	if math.IsNaN(t) {
		t = 0
	}
	r := basisRGB(redsScheme, t, func(c colorful.Color) float64 { return c.R })
	g := basisRGB(redsScheme, t, func(c colorful.Color) float64 { return c.G })
	b := basisRGB(redsScheme, t, func(c colorful.Color) float64 { return c.B })
	return colorful.Color{R: r, G: g, B: b}.Clamped().Hex()
}

func basisRGB(stops []colorful.Color, t float64, channel func(colorful.Color) float64) float64 {
	n := len(stops) - 1
	var i int
	switch {
	case t <= 0:
		t = 0
		i = 0
	case t >= 1:
		t = 1
		i = n - 1
	default:
		i = int(math.Floor(t * float64(n)))
	}

	v1 := channel(stops[i])
	v2 := channel(stops[i+1])
	v0 := 2*v1 - v2
	if i > 0 {
		v0 = channel(stops[i-1])
	}
	v3 := 2*v2 - v1
	if i < n-1 {
		v3 = channel(stops[i+2])
	}
	return basis((t-float64(i)/float64(n))*float64(n), v0, v1, v2, v3)
}

func basis(t1, v0, v1, v2, v3 float64) float64 {
	t2 := t1 * t1
	t3 := t2 * t1
	return ((1-3*t1+3*t2-t3)*v0 +
		(4-6*t2+3*t3)*v1 +
		(1+3*t1+3*t2-3*t3)*v2 +
		t3*v3) / 6
}
