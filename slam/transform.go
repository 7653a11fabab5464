package slam

import "math"

// TransformPoint applies an affine transform to a point
// x' = a*x + b*y + tx
// y' = c*x + d*y + ty
func TransformPoint(p Point, m AffineMatrix) Point {
	return Point{
		X: m.A*p.X + m.B*p.Y + m.Tx,
		Y: m.C*p.X + m.D*p.Y + m.Ty,
	}
}

// TransformPoints applies an affine transform to multiple points
func TransformPoints(points []Point, m AffineMatrix) []Point {
	result := make([]Point, len(points))
	for i, p := range points {
		result[i] = TransformPoint(p, m)
	}
	return result
}

// NormalizeAngle wraps an angle in radians to (-pi, pi].
func NormalizeAngle(rad float64) float64 {
	rad = math.Mod(rad, 2*math.Pi)
	if rad <= -math.Pi {
		rad += 2 * math.Pi
	} else if rad > math.Pi {
		rad -= 2 * math.Pi
	}
	return rad
}

// MultiplyMatrices composes two affine transforms: result = m1 * m2
// Applying result is equivalent to applying m2 first, then m1
func MultiplyMatrices(m1, m2 AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m1.A*m2.A + m1.B*m2.C,
		B:  m1.A*m2.B + m1.B*m2.D,
		Tx: m1.A*m2.Tx + m1.B*m2.Ty + m1.Tx,
		C:  m1.C*m2.A + m1.D*m2.C,
		D:  m1.C*m2.B + m1.D*m2.D,
		Ty: m1.C*m2.Tx + m1.D*m2.Ty + m1.Ty,
	}
}

// InvertMatrix computes the inverse of an affine transform
// Returns identity if matrix is singular (determinant ~= 0)
func InvertMatrix(m AffineMatrix) AffineMatrix {
	det := m.A*m.D - m.B*m.C
	if math.Abs(det) < 1e-10 {
		return Identity()
	}

	invDet := 1.0 / det
	return AffineMatrix{
		A:  m.D * invDet,
		B:  -m.B * invDet,
		Tx: (m.B*m.Ty - m.D*m.Tx) * invDet,
		C:  -m.C * invDet,
		D:  m.A * invDet,
		Ty: (m.C*m.Tx - m.A*m.Ty) * invDet,
	}
}

// Translation creates a translation-only transform
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: tx, C: 0, D: 1, Ty: ty}
}

// Rotation creates a rotation transform (angle in radians, around origin)
func Rotation(angle float64) AffineMatrix {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return AffineMatrix{A: cos, B: -sin, Tx: 0, C: sin, D: cos, Ty: 0}
}

// Scale creates a scaling transform
func Scale(sx, sy float64) AffineMatrix {
	return AffineMatrix{A: sx, B: 0, Tx: 0, C: 0, D: sy, Ty: 0}
}

// RotationAngle extracts the rotation of a transform in radians.
func RotationAngle(m AffineMatrix) float64 {
	return math.Atan2(m.C, m.A)
}

// Distance calculates Euclidean distance between two points
func Distance(p1, p2 Point) float64 {
	dx := p2.X - p1.X
	dy := p2.Y - p1.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Centroid calculates the center of mass of a set of points
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point{X: sumX / n, Y: sumY / n}
}

// CalculateRigidTransform computes the best rigid transform (rotation + translation only, no scale)
// using Procrustes analysis.
func CalculateRigidTransform(source, target []Point) AffineMatrix {
	return calculateProcrustes(source, target, false)
}

// CalculateSimilarityTransform computes the best rotation, uniform scale and
// translation mapping source onto target. Bearing-only reconstructions are
// only defined up to such a transform, so this is the alignment used to
// compare a track with a reference.
func CalculateSimilarityTransform(source, target []Point) AffineMatrix {
	return calculateProcrustes(source, target, true)
}

func calculateProcrustes(source, target []Point, withScale bool) AffineMatrix {
	n := len(source)
	if n < 2 || n != len(target) {
		return Identity()
	}

	srcCentroid := Centroid(source)
	tgtCentroid := Centroid(target)

	// Cross-covariance H = src^T * tgt of the centered sets
	// H = [h11 h12]
	//     [h21 h22]
	var h11, h12, h21, h22, srcVar float64
	for i := range source {
		sx, sy := source[i].X-srcCentroid.X, source[i].Y-srcCentroid.Y
		tx, ty := target[i].X-tgtCentroid.X, target[i].Y-tgtCentroid.Y
		h11 += sx * tx
		h12 += sx * ty
		h21 += sy * tx
		h22 += sy * ty
		srcVar += sx*sx + sy*sy
	}

	// maximizes sum(t . R s) = cos*(h11+h22) + sin*(h12-h21)
	theta := math.Atan2(h12-h21, h11+h22)
	cos := math.Cos(theta)
	sin := math.Sin(theta)

	scale := 1.0
	if withScale && srcVar > 1e-12 {
		scale = (cos*(h11+h22) + sin*(h12-h21)) / srcVar
	}

	a, b, c, d := scale*cos, -scale*sin, scale*sin, scale*cos

	// t = tgtCentroid - sR * srcCentroid
	tx := tgtCentroid.X - (a*srcCentroid.X + b*srcCentroid.Y)
	ty := tgtCentroid.Y - (c*srcCentroid.X + d*srcCentroid.Y)

	return AffineMatrix{A: a, B: b, Tx: tx, C: c, D: d, Ty: ty}
}
