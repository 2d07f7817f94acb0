package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func floatInfo(name string, dims ...int64) ort.InputOutputInfo {
	return ort.InputOutputInfo{
		Name:         name,
		OrtValueType: ort.ONNXTypeTensor,
		Dimensions:   ort.NewShape(dims...),
		DataType:     ort.TensorElementDataTypeFloat,
	}
}

func TestValidateModelInfo(t *testing.T) {
	in := floatInfo("input", 1, 144, 256, 3)
	out := floatInfo("segment", 1, 144, 256, 1)

	gotIn, gotOut, err := validateModelInfo([]ort.InputOutputInfo{in}, []ort.InputOutputInfo{out})
	require.NoError(t, err)
	assert.Equal(t, "input", gotIn.Name)
	assert.Equal(t, "segment", gotOut.Name)

	_, _, err = validateModelInfo(nil, []ort.InputOutputInfo{out})
	assert.Error(t, err)
	_, _, err = validateModelInfo([]ort.InputOutputInfo{in}, []ort.InputOutputInfo{out, out})
	assert.Error(t, err)
	_, _, err = validateModelInfo([]ort.InputOutputInfo{floatInfo("x", 1, 3, 4)}, []ort.InputOutputInfo{out})
	assert.Error(t, err)

	intOut := out
	intOut.DataType = ort.TensorElementDataTypeInt64
	_, _, err = validateModelInfo([]ort.InputOutputInfo{in}, []ort.InputOutputInfo{intOut})
	assert.Error(t, err)
}

func TestResolveGeometry(t *testing.T) {
	tests := []struct {
		name       string
		in, out    ort.InputOutputInfo
		w, h       int
		wantW      int
		wantH      int
		wantOut    ort.Shape
		wantErr    bool
		isMismatch bool
	}{
		{
			name:    "static model, no configured size",
			in:      floatInfo("in", 1, 144, 256, 3),
			out:     floatInfo("out", 1, 144, 256, 1),
			wantW:   256,
			wantH:   144,
			wantOut: ort.NewShape(1, 144, 256, 1),
		},
		{
			name:    "static model agrees with config",
			in:      floatInfo("in", 1, 144, 256, 3),
			out:     floatInfo("out", 1, 144, 256, 1),
			w:       256,
			h:       144,
			wantW:   256,
			wantH:   144,
			wantOut: ort.NewShape(1, 144, 256, 1),
		},
		{
			name:    "dynamic model takes config",
			in:      floatInfo("in", -1, -1, -1, 3),
			out:     floatInfo("out", -1, -1, -1, 1),
			w:       160,
			h:       96,
			wantW:   160,
			wantH:   96,
			wantOut: ort.NewShape(1, 96, 160, 1),
		},
		{
			name:    "flat output with one dynamic dim",
			in:      floatInfo("in", 1, -1, -1, 3),
			out:     floatInfo("out", 1, -1),
			w:       4,
			h:       2,
			wantW:   4,
			wantH:   2,
			wantOut: ort.NewShape(1, 8),
		},
		{
			name:       "static model disagrees with config",
			in:         floatInfo("in", 1, 144, 256, 3),
			out:        floatInfo("out", 1, 144, 256, 1),
			w:          320,
			h:          144,
			wantErr:    true,
			isMismatch: true,
		},
		{
			name:    "dynamic model without config",
			in:      floatInfo("in", 1, -1, -1, 3),
			out:     floatInfo("out", 1, -1, -1, 1),
			wantErr: true,
		},
		{
			name:    "channels first input",
			in:      floatInfo("in", 1, 3, 144, 256),
			out:     floatInfo("out", 1, 1, 144, 256),
			wantErr: true,
		},
		{
			name:       "two channel output",
			in:         floatInfo("in", 1, 144, 256, 3),
			out:        floatInfo("out", 1, 144, 256, 2),
			wantErr:    true,
			isMismatch: true,
		},
		{
			name:    "batched model",
			in:      floatInfo("in", 4, 144, 256, 3),
			out:     floatInfo("out", 4, 144, 256, 1),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := resolveGeometry(tt.in, tt.out, tt.w, tt.h)
			if tt.wantErr {
				require.Error(t, err)
				if tt.isMismatch {
					assert.ErrorIs(t, err, ErrDimensionMismatch)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, g.width)
			assert.Equal(t, tt.wantH, g.height)
			assert.Equal(t, ort.NewShape(1, int64(tt.wantH), int64(tt.wantW), 3), g.inputShape)
			assert.Equal(t, tt.wantOut, g.outputShape)
		})
	}
}

func TestResolveOutputShape(t *testing.T) {
	s, err := resolveOutputShape(ort.NewShape(-1, 1, -1, -1), 8, 4)
	require.NoError(t, err)
	assert.Equal(t, ort.NewShape(1, 1, 4, 8), s)

	_, err = resolveOutputShape(ort.NewShape(-1, -1, -1, -1), 8, 4)
	assert.Error(t, err)

	_, err = resolveOutputShape(ort.NewShape(1, 3, -1), 8, 4)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = resolveOutputShape(nil, 8, 4)
	assert.Error(t, err)
}
