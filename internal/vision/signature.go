package vision

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"github.com/your-org/retrack/internal/tracking"
)

// HueSignature describes the colour of the region under box as an L2
// normalised hue histogram with bins entries. Signatures of the same object
// seen on different frames have a high cosine similarity.
func HueSignature(f *Frame, box tracking.BoundingBox, bins int) ([]float32, error) {
	crop, err := f.Crop(box)
	if err != nil {
		return nil, fmt.Errorf("hue signature: %w", err)
	}
	defer crop.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(crop, &hsv, gocv.ColorBGRToHSV)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(hsv, hueMaskLow, hueMaskHigh, &mask)

	hist := gocv.NewMat()
	defer hist.Close()
	gocv.CalcHist([]gocv.Mat{hsv}, []int{0}, mask, &hist, []int{bins}, []float64{0, 180}, false)

	sig := make([]float32, bins)
	for i := 0; i < bins && i < hist.Rows(); i++ {
		sig[i] = hist.GetFloatAt(i, 0)
	}
	normalize(sig)
	return sig, nil
}

// normalize scales v to unit length in place. A zero vector is left as is.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// CosineSimilarity computes cosine similarity between two normalized vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(math.Min(1.0, math.Max(-1.0, dot)))
}
