package vision

import (
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/your-org/retrack/internal/config"
	"github.com/your-org/retrack/internal/tracking"
)

// Detection is one decoded RetinaFace output before conversion to a Candidate.
type Detection struct {
	BBox       [4]float32 // x1, y1, x2, y2 (pixel coordinates)
	Confidence float32
}

// RetinaFaceDetector runs RetinaFace face detection using ONNX Runtime.
type RetinaFaceDetector struct {
	mu            sync.Mutex
	session       *ort.AdvancedSession
	inputTensor   *ort.Tensor[float32]
	outputTensors []*ort.Tensor[float32]
	threshold     float32
	nmsThreshold  float32
	inputW        int
	inputH        int
}

// stride configuration for RetinaFace det_10g
var strides = []int{8, 16, 32}

// anchorsPerStride is the number of anchors per pixel at each stride
const anchorsPerStride = 2

// NewRetinaFaceDetector loads the det_10g RetinaFace ONNX model. The ONNX
// Runtime environment must already be initialised.
func NewRetinaFaceDetector(cfg config.DetectorConfig) (*RetinaFaceDetector, error) {
	if err := CheckArtifacts("", cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("load retinaface: %w", err)
	}
	inputW, inputH := 640, 640

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	// det_10g output shapes, no batch dimension. Landmark heads are not read.
	// 12800 = (640/8)*(640/8)*2, 3200 = (640/16)^2*2, 800 = (640/32)^2*2
	type outputSpec struct {
		name  string
		shape ort.Shape
	}

	outputs := []outputSpec{
		{"448", ort.NewShape(12800, 1)}, // scores stride 8
		{"471", ort.NewShape(3200, 1)},  // scores stride 16
		{"494", ort.NewShape(800, 1)},   // scores stride 32
		{"451", ort.NewShape(12800, 4)}, // bboxes stride 8
		{"474", ort.NewShape(3200, 4)},  // bboxes stride 16
		{"497", ort.NewShape(800, 4)},   // bboxes stride 32
	}

	outputNames := make([]string, len(outputs))
	outputTensors := make([]*ort.Tensor[float32], len(outputs))
	outputValues := make([]ort.Value, len(outputs))

	for i, spec := range outputs {
		outputNames[i] = spec.name
		t, err := ort.NewEmptyTensor[float32](spec.shape)
		if err != nil {
			for j := 0; j < i; j++ {
				outputTensors[j].Destroy()
			}
			inputTensor.Destroy()
			return nil, fmt.Errorf("create output tensor %d (%s): %w", i, spec.name, err)
		}
		outputTensors[i] = t
		outputValues[i] = t
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{"input.1"},
		outputNames,
		[]ort.Value{inputTensor},
		outputValues,
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		for _, t := range outputTensors {
			t.Destroy()
		}
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &RetinaFaceDetector{
		session:       session,
		inputTensor:   inputTensor,
		outputTensors: outputTensors,
		threshold:     float32(cfg.Threshold),
		nmsThreshold:  float32(cfg.NMSThreshold),
		inputW:        inputW,
		inputH:        inputH,
	}, nil
}

// Scan returns scored candidates, most confident first.
func (d *RetinaFaceDetector) Scan(fr tracking.Frame) ([]tracking.Candidate, error) {
	mat, err := matOf(fr)
	if err != nil {
		return nil, fmt.Errorf("retinaface scan: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.inputTensor.GetData(), matToCHW(mat, d.inputW, d.inputH, 127.5, 128.0))
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	dets := nms(d.parseDetections(mat.Cols(), mat.Rows()), d.nmsThreshold)
	cands := make([]tracking.Candidate, 0, len(dets))
	for _, det := range dets {
		cands = append(cands, det.candidate())
	}
	return cands, nil
}

func (det Detection) candidate() tracking.Candidate {
	r := image.Rect(
		int(math.Round(float64(det.BBox[0]))),
		int(math.Round(float64(det.BBox[1]))),
		int(math.Round(float64(det.BBox[2]))),
		int(math.Round(float64(det.BBox[3]))),
	)
	return tracking.Candidate{Box: tracking.FromRect(r), Confidence: det.Confidence, Scored: true}
}

// parseDetections decodes anchor-based RetinaFace outputs at strides 8, 16, 32.
func (d *RetinaFaceDetector) parseDetections(origW, origH int) []Detection {
	var detections []Detection

	scaleW := float32(origW) / float32(d.inputW)
	scaleH := float32(origH) / float32(d.inputH)

	for si, stride := range strides {
		scores := d.outputTensors[si].GetData()   // [N, 1]
		bboxes := d.outputTensors[si+3].GetData() // [N, 4]

		fmW := d.inputW / stride
		fmH := d.inputH / stride

		idx := 0
		for cy := 0; cy < fmH; cy++ {
			for cx := 0; cx < fmW; cx++ {
				for a := 0; a < anchorsPerStride; a++ {
					if score := scores[idx]; score >= d.threshold {
						anchorX := float32(cx) * float32(stride)
						anchorY := float32(cy) * float32(stride)

						// distances from anchor to edges, in stride units
						st := float32(stride)
						x1 := clampF((anchorX-bboxes[idx*4+0]*st)*scaleW, 0, float32(origW))
						y1 := clampF((anchorY-bboxes[idx*4+1]*st)*scaleH, 0, float32(origH))
						x2 := clampF((anchorX+bboxes[idx*4+2]*st)*scaleW, 0, float32(origW))
						y2 := clampF((anchorY+bboxes[idx*4+3]*st)*scaleH, 0, float32(origH))

						detections = append(detections, Detection{
							BBox:       [4]float32{x1, y1, x2, y2},
							Confidence: score,
						})
					}
					idx++
				}
			}
		}
	}

	return detections
}

func (d *RetinaFaceDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	for _, t := range d.outputTensors {
		if t != nil {
			t.Destroy()
		}
	}
	return nil
}

// matToCHW resizes a BGR frame and converts it to normalised RGB CHW floats:
//
//	pixel = (pixel - mean) / std
func matToCHW(mat gocv.Mat, targetW, targetH int, mean, std float32) []float32 {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mat, &resized, image.Pt(targetW, targetH), 0, 0, gocv.InterpolationLinear)

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(resized, &rgb, gocv.ColorBGRToRGB)

	return hwcToCHW(rgb.ToBytes(), targetW, targetH, mean, std)
}

// hwcToCHW converts interleaved 8-bit RGB into planar normalised floats.
func hwcToCHW(pix []byte, w, h int, mean, std float32) []float32 {
	data := make([]float32, 3*h*w)
	plane := h * w
	for i := 0; i < plane && i*3+2 < len(pix); i++ {
		data[i] = (float32(pix[i*3]) - mean) / std
		data[plane+i] = (float32(pix[i*3+1]) - mean) / std
		data[2*plane+i] = (float32(pix[i*3+2]) - mean) / std
	}
	return data
}

// nms performs Non-Maximum Suppression on detections.
func nms(detections []Detection, iouThreshold float32) []Detection {
	if len(detections) == 0 {
		return detections
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	keep := make([]bool, len(detections))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(detections); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(detections); j++ {
			if !keep[j] {
				continue
			}
			if iou(detections[i].BBox, detections[j].BBox) > iouThreshold {
				keep[j] = false
			}
		}
	}

	var result []Detection
	for i, d := range detections {
		if keep[i] {
			result = append(result, d)
		}
	}
	return result
}

func iou(a, b [4]float32) float32 {
	x1 := float32(math.Max(float64(a[0]), float64(b[0])))
	y1 := float32(math.Max(float64(a[1]), float64(b[1])))
	x2 := float32(math.Min(float64(a[2]), float64(b[2])))
	y2 := float32(math.Min(float64(a[3]), float64(b[3])))

	intersection := float32(math.Max(0, float64(x2-x1))) * float32(math.Max(0, float64(y2-y1)))

	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}

func clampF(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
