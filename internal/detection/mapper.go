package detection

// ScaleToOriginal converts d from inference space to original space, where
// scale is the inference/original ratio (0 < scale <= 1). Confidence and
// Class pass through. A scale of exactly 1 returns d unchanged.
func ScaleToOriginal(d Detection, scale float64) Detection {
	if scale == 1 || scale <= 0 {
		return d
	}
	d.X /= scale
	d.Y /= scale
	d.Width /= scale
	d.Height /= scale
	return d
}

// ScaleToInference is the inverse of ScaleToOriginal.
func ScaleToInference(d Detection, scale float64) Detection {
	if scale == 1 || scale <= 0 {
		return d
	}
	d.X *= scale
	d.Y *= scale
	d.Width *= scale
	d.Height *= scale
	return d
}

// MapToOriginal converts every detection with ScaleToOriginal, preserving order.
func MapToOriginal(dets []Detection, scale float64) []Detection {
	out := make([]Detection, len(dets))
	for i, d := range dets {
		out[i] = ScaleToOriginal(d, scale)
	}
	return out
}

// ScaleFactor picks the inference/original ratio for mapping. If the service
// echoed the size it actually ran on, that size is authoritative: the ratio of
// the long axes is used when both dimensions were echoed, since the long axis
// carries the smallest rounding error. Otherwise the scale used when the
// payload was built is returned.
func ScaleFactor(originalWidth, originalHeight, echoedWidth, echoedHeight int, submitted float64) float64 {
	var original, echoed int
	switch {
	case echoedWidth > 0 && echoedHeight > 0:
		original, echoed = max(originalWidth, originalHeight), max(echoedWidth, echoedHeight)
	case echoedWidth > 0:
		original, echoed = originalWidth, echoedWidth
	case echoedHeight > 0:
		original, echoed = originalHeight, echoedHeight
	}
	if original > 0 && echoed > 0 {
		s := float64(echoed) / float64(original)
		if s > 0 && s <= 1 {
			return s
		}
	}
	if submitted <= 0 || submitted > 1 {
		return 1
	}
	return submitted
}
