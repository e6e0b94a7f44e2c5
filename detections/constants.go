package detections

const (
	// WeightsExt is the native weight-file extension of this backend.
	WeightsExt = ".onnx"

	DefaultInputSize     = 640
	DefaultConfThreshold = 0.25
	DefaultIoUThreshold  = 0.7
	DefaultMaxDet        = 300

	// PadValue fills the letterbox border.
	PadValue = 114

	// Outputs are [batch, 4+classes, anchors] with anchors at these strides.
	boxChannels = 4
)

var anchorStrides = []int{8, 16, 32}
