package engine

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// geometry is the resolved tensor layout for a loaded model.
type geometry struct {
	width, height int
	inputShape    ort.Shape
	outputShape   ort.Shape
}

// inspectModel reads and validates the model's input/output information.
func inspectModel(modelData []byte) (ort.InputOutputInfo, ort.InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(modelData)
	if err != nil {
		return ort.InputOutputInfo{}, ort.InputOutputInfo{},
			fmt.Errorf("failed to get model input/output info: %w", err)
	}
	return validateModelInfo(inputs, outputs)
}

func validateModelInfo(inputs, outputs []ort.InputOutputInfo) (ort.InputOutputInfo, ort.InputOutputInfo, error) {
	if len(inputs) != 1 {
		return ort.InputOutputInfo{}, ort.InputOutputInfo{}, fmt.Errorf("expected 1 input, got %d", len(inputs))
	}
	if len(outputs) != 1 {
		return ort.InputOutputInfo{}, ort.InputOutputInfo{}, fmt.Errorf("expected 1 output, got %d", len(outputs))
	}

	in, out := inputs[0], outputs[0]
	if len(in.Dimensions) != 4 {
		return ort.InputOutputInfo{}, ort.InputOutputInfo{},
			fmt.Errorf("expected 4D input tensor, got %dD", len(in.Dimensions))
	}
	if in.DataType != ort.TensorElementDataTypeFloat || out.DataType != ort.TensorElementDataTypeFloat {
		return ort.InputOutputInfo{}, ort.InputOutputInfo{}, errors.New("model input and output must be float32")
	}
	return in, out, nil
}

// resolveGeometry fixes the input layout to [1, H, W, 3] and the output to W*H
// values. Dynamic model dimensions take the configured width and height; a
// static model dimension must agree with them when they are set.
func resolveGeometry(in, out ort.InputOutputInfo, width, height int) (geometry, error) {
	dims := in.Dimensions
	if dims[0] > 1 {
		return geometry{}, fmt.Errorf("model batch size %d not supported", dims[0])
	}
	if dims[3] > 0 && dims[3] != 3 {
		return geometry{}, fmt.Errorf("expected NHWC input with 3 channels, got shape %v", dims)
	}

	h, err := pickDim("height", dims[1], height)
	if err != nil {
		return geometry{}, err
	}
	w, err := pickDim("width", dims[2], width)
	if err != nil {
		return geometry{}, err
	}

	outShape, err := resolveOutputShape(out.Dimensions, w, h)
	if err != nil {
		return geometry{}, err
	}

	return geometry{
		width:       w,
		height:      h,
		inputShape:  ort.NewShape(1, int64(h), int64(w), 3),
		outputShape: outShape,
	}, nil
}

func pickDim(name string, model int64, configured int) (int, error) {
	switch {
	case model > 0 && configured > 0 && int(model) != configured:
		return 0, fmt.Errorf("%w: model input %s is %d, configured %d", ErrDimensionMismatch, name, model, configured)
	case model > 0:
		return int(model), nil
	case configured > 0:
		return configured, nil
	default:
		return 0, fmt.Errorf("model input %s is dynamic and no %s is configured", name, name)
	}
}

// resolveOutputShape fills dynamic output dimensions so the tensor holds exactly w*h values.
func resolveOutputShape(dims ort.Shape, w, h int) (ort.Shape, error) {
	if len(dims) == 0 {
		return nil, errors.New("model output has no dimensions")
	}

	shape := make(ort.Shape, len(dims))
	copy(shape, dims)
	if shape[0] <= 0 {
		shape[0] = 1
	}

	var unknown []int
	known := int64(1)
	for i, d := range shape {
		if d <= 0 {
			unknown = append(unknown, i)
			continue
		}
		known *= d
	}

	want := int64(w * h)
	switch len(unknown) {
	case 0:
	case 1:
		if want%known != 0 {
			return nil, fmt.Errorf("%w: output shape %v cannot hold %d values", ErrDimensionMismatch, dims, want)
		}
		shape[unknown[0]] = want / known
	case 2:
		shape[unknown[0]] = int64(h)
		shape[unknown[1]] = int64(w)
	default:
		return nil, fmt.Errorf("output shape %v has too many dynamic dimensions", dims)
	}

	if shape.FlattenedSize() != want {
		return nil, fmt.Errorf("%w: output shape %v holds %d values, want %d (one per input pixel)",
			ErrDimensionMismatch, shape, shape.FlattenedSize(), want)
	}
	return shape, nil
}
