package display

import (
	"math"
	"strconv"
	"strings"
)

// getLuminance computes relative luminance per the WCAG formula.
func getLuminance(hexColor string) float64 {
	r, g, b := hexToRGB(hexColor)
	if r < 0 {
		return 0
	}
	rs := gammaSRGB(float64(r) / 255.0)
	gs := gammaSRGB(float64(g) / 255.0)
	bs := gammaSRGB(float64(b) / 255.0)
	return 0.2126*rs + 0.7152*gs + 0.0722*bs
}

func gammaSRGB(val float64) float64 {
	if val <= 0.03928 {
		return val / 12.92
	}
	return math.Pow((val+0.055)/1.055, 2.4)
}

// contrastRatio returns the WCAG contrast ratio between two hex colors,
// between 1 (no contrast) and 21 (maximum contrast).
func contrastRatio(fg, bg string) float64 {
	l1, l2 := getLuminance(fg), getLuminance(bg)
	if l1 < l2 {
		l1, l2 = l2, l1
	}
	return (l1 + 0.05) / (l2 + 0.05)
}

// ensureReadable nudges fg toward black or white, in steps, until it
// reaches minRatio contrast against bg; falls back to pure black/white if
// no step gets there. Used so a session-state badge color stays legible
// whether the terminal theme is light or dark.
func ensureReadable(fg, bg string, minRatio float64) string {
	if contrastRatio(fg, bg) >= minRatio {
		return fg
	}
	bgLum, fgLum := getLuminance(bg), getLuminance(fg)

	for step := 0.1; step <= 1.0; step += 0.1 {
		var adjusted string
		if fgLum > bgLum {
			adjusted = lightenColorBy(fg, step)
		} else {
			adjusted = darkenColorBy(fg, step)
		}
		if contrastRatio(adjusted, bg) >= minRatio {
			return adjusted
		}
	}
	if bgLum > 0.5 {
		return "#000000"
	}
	return "#ffffff"
}

func hexToRGB(hexColor string) (int64, int64, int64) {
	hex := strings.TrimPrefix(hexColor, "#")
	if len(hex) != 6 {
		return -1, -1, -1
	}
	r, errR := strconv.ParseInt(hex[0:2], 16, 64)
	g, errG := strconv.ParseInt(hex[2:4], 16, 64)
	b, errB := strconv.ParseInt(hex[4:6], 16, 64)
	if errR != nil || errG != nil || errB != nil {
		return -1, -1, -1
	}
	return r, g, b
}

func lightenColorBy(hexColor string, amount float64) string {
	r, g, b := hexToRGB(hexColor)
	if r < 0 {
		return hexColor
	}
	nr := r + int64(float64(255-r)*amount)
	ng := g + int64(float64(255-g)*amount)
	nb := b + int64(float64(255-b)*amount)
	return rgbToHex(nr, ng, nb)
}

func darkenColorBy(hexColor string, amount float64) string {
	r, g, b := hexToRGB(hexColor)
	if r < 0 {
		return hexColor
	}
	multiplier := 1.0 - amount
	return rgbToHex(int64(float64(r)*multiplier), int64(float64(g)*multiplier), int64(float64(b)*multiplier))
}

func rgbToHex(r, g, b int64) string {
	clamp := func(v int64) int64 {
		if v > 255 {
			return 255
		}
		if v < 0 {
			return 0
		}
		return v
	}
	return "#" + toHex(clamp(r)) + toHex(clamp(g)) + toHex(clamp(b))
}

func toHex(val int64) string {
	hex := strconv.FormatInt(val, 16)
	if len(hex) == 1 {
		return "0" + hex
	}
	return hex
}
