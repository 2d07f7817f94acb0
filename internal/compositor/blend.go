package compositor

import "image"

// mul255 multiplies two 8-bit values as fractions of 255 with rounding.
func mul255(a, b uint8) uint8 {
	t := uint32(a)*uint32(b) + 128
	return uint8((t + t>>8) >> 8)
}

// rows calls fn with matching rows of dst and a zero-origin source surface.
func rows(dst, src *image.RGBA, fn func(d, s []uint8)) {
	r := dst.Rect
	w := r.Dx() * 4
	for y := range r.Dy() {
		do := dst.PixOffset(r.Min.X, r.Min.Y+y)
		so := y * src.Stride
		fn(dst.Pix[do:do+w], src.Pix[so:so+w])
	}
}

// replacePass copies src over dst. Porter-Duff SRC.
func replacePass(dst, src *image.RGBA) {
	rows(dst, src, func(d, s []uint8) {
		copy(d, s)
	})
}

// sourceInPass keeps src where dst has coverage: out = src * Da.
func sourceInPass(dst, src *image.RGBA) {
	rows(dst, src, func(d, s []uint8) {
		for i := 0; i < len(d); i += 4 {
			da := d[i+3]
			d[i] = mul255(s[i], da)
			d[i+1] = mul255(s[i+1], da)
			d[i+2] = mul255(s[i+2], da)
			d[i+3] = mul255(s[i+3], da)
		}
	})
}

// destinationOverPass draws src behind dst: out = dst + src * (1 - Da).
func destinationOverPass(dst, src *image.RGBA) {
	rows(dst, src, func(d, s []uint8) {
		for i := 0; i < len(d); i += 4 {
			inv := 255 - d[i+3]
			d[i] += mul255(s[i], inv)
			d[i+1] += mul255(s[i+1], inv)
			d[i+2] += mul255(s[i+2], inv)
			d[i+3] += mul255(s[i+3], inv)
		}
	})
}
