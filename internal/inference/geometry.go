package inference

import "math"

// PolygonArea returns the unsigned area of a closed polygon in square
// pixels, by the shoelace formula. The polygon is implicitly closed;
// the last vertex need not repeat the first.
func PolygonArea(contour [][2]float64) float64 {
	n := len(contour)
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += contour[i][0]*contour[j][1] - contour[j][0]*contour[i][1]
	}
	return math.Abs(sum) / 2
}

// PolygonPerimeter returns the boundary length of a closed polygon in
// pixels.
func PolygonPerimeter(contour [][2]float64) float64 {
	n := len(contour)
	if n < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += math.Hypot(contour[j][0]-contour[i][0], contour[j][1]-contour[i][1])
	}
	return sum
}

// ValidPolygon reports whether a contour is usable for morphometrics:
// at least three finite vertices, nonzero area, and no two
// non-adjacent edges crossing.
func ValidPolygon(contour [][2]float64) bool {
	n := len(contour)
	if n < 3 {
		return false
	}
	for _, v := range contour {
		if math.IsNaN(v[0]) || math.IsInf(v[0], 0) || math.IsNaN(v[1]) || math.IsInf(v[1], 0) {
			return false
		}
	}
	if PolygonArea(contour) == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// Skip edges sharing a vertex, including the closing edge.
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsCross(contour[i], contour[(i+1)%n], contour[j], contour[(j+1)%n]) {
				return false
			}
		}
	}
	return true
}

func segmentsCross(a, b, c, d [2]float64) bool {
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(o, a, p [2]float64) float64 {
	return (a[0]-o[0])*(p[1]-o[1]) - (a[1]-o[1])*(p[0]-o[0])
}
