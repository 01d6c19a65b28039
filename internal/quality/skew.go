package quality

import (
	"image"
	"math"
)

const (
	// skew search window; anything past this reads as rotated, not skewed
	maxSkewSearchDegrees = 5.0
	coarseSkewStep       = 0.5
	fineSkewStep         = 0.1

	// below this many dark samples there is no evidence of text lines
	minDarkSamples = 64
)

type point struct {
	x, y int
}

// estimateSkew returns the dominant text-line angle in degrees via a
// projection-profile search: dark pixels are sheared onto rows at candidate
// angles and the angle that concentrates them into the fewest rows wins.
// Positive angles mean lines rising left to right. Pages without enough dark
// pixels report zero skew.
func estimateSkew(img image.Image, threshold float64) float64 {
	pts := darkPoints(img, threshold)
	if len(pts) < minDarkSamples {
		return 0
	}

	b := img.Bounds()
	step := sampleStep(b.Dx(), b.Dy())
	ws := b.Dx()/step + 1
	hs := b.Dy()/step + 1

	// shear can push rows past either edge of the page
	shift := int(math.Ceil(float64(ws)*math.Tan(maxSkewSearchDegrees*math.Pi/180))) + 1
	rows := make([]int, hs+2*shift+2)

	best, bestScore := 0.0, -1.0
	score := func(deg float64) {
		s := shearScore(pts, rows, shift, deg)
		if s > bestScore || (s == bestScore && math.Abs(deg) < math.Abs(best)) {
			best, bestScore = deg, s
		}
	}
	for deg := -maxSkewSearchDegrees; deg <= maxSkewSearchDegrees+1e-9; deg += coarseSkewStep {
		score(deg)
	}
	coarse := best
	for deg := coarse - coarseSkewStep; deg <= coarse+coarseSkewStep+1e-9; deg += fineSkewStep {
		if deg < -maxSkewSearchDegrees || deg > maxSkewSearchDegrees {
			continue
		}
		score(deg)
	}
	return best
}

// darkPoints samples the image on the assessment grid and keeps pixels below
// the binarization threshold, in grid units.
func darkPoints(img image.Image, threshold float64) []point {
	b := img.Bounds()
	step := sampleStep(b.Dx(), b.Dy())
	thr := int(threshold * 255)
	var pts []point
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			if luma8(img, x, y) < thr {
				pts = append(pts, point{(x - b.Min.X) / step, (y - b.Min.Y) / step})
			}
		}
	}
	return pts
}

// shearScore projects points onto rows under y' = y + x*tan(deg) and returns
// the sum of squared row counts. Straight text lines collapse into few rows,
// maximizing the sum.
func shearScore(pts []point, rows []int, shift int, deg float64) float64 {
	for i := range rows {
		rows[i] = 0
	}
	t := math.Tan(deg * math.Pi / 180)
	for _, p := range pts {
		r := int(math.Round(float64(p.y)+float64(p.x)*t)) + shift
		if r >= 0 && r < len(rows) {
			rows[r]++
		}
	}
	var s float64
	for _, c := range rows {
		if c != 0 {
			s += float64(c) * float64(c)
		}
	}
	return s
}
