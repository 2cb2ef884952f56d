package registry

import "math"

// BytesPerDtype gives the on-device size in bytes of one parameter stored
// in the given safetensors dtype string. EstimateVRAM skips dtypes missing
// from this table and fails only when no dtype in the map is recognized.
var BytesPerDtype = map[string]float64{
	"BF16":    2,
	"F16":     2,
	"F32":     4,
	"F64":     8,
	"F8_E4M3": 1,
	"F8_E5M2": 1,
	"INT8":    1,
	"UINT8":   1,
	"INT16":   2,
	"INT32":   4,
	"INT64":   8,
	"BOOL":    1,
}

// tierSteps are the VRAM sizes (GB) the estimator snaps up to, kept in
// ascending order. They are a separate data set from the GPU registry's
// tier VRAM values and include sizes no registered tier has.
var tierSteps = []int{6, 8, 10, 12, 16, 24, 28, 40, 48, 80}

// overheadFactor accounts for activations and runtime overhead beyond raw
// weight bytes.
const overheadFactor = 1.35

// ParamsByDtype maps a safetensors dtype string to the parameter count
// stored in that dtype, as reported by a model's safetensors index.
type ParamsByDtype map[string]int64

// EstimateVRAM computes the minimum GPU VRAM, in GB, required to hold a
// model's parameters given a breakdown of parameter counts per dtype. It
// returns an UnsupportedModelError if params is empty or every dtype in it
// is unrecognized.
func EstimateVRAM(modelID string, params ParamsByDtype) (int, error) {
	var bytes float64
	var matched bool
	for dtype, count := range params {
		perParam, ok := BytesPerDtype[dtype]
		if !ok {
			continue
		}
		matched = true
		bytes += float64(count) * perParam
	}
	if !matched {
		return 0, &UnsupportedModelError{ModelID: modelID}
	}
	gb := bytes * overheadFactor / (1 << 30)
	return snapToTier(int(math.Ceil(gb))), nil
}

func snapToTier(minGB int) int {
	for _, step := range tierSteps {
		if step >= minGB {
			return step
		}
	}
	return tierSteps[len(tierSteps)-1]
}

// paramToVRAM is the cruder parameter-count-only fallback table used when
// HF metadata exposes a total parameter count but no dtype breakdown.
var paramToVRAM = []struct {
	maxParamsMillions int
	minVRAMGB         int
}{
	{500, 6},
	{1_000, 8},
	{3_000, 12},
	{7_000, 16},
	{13_000, 24},
	{30_000, 40},
	{70_000, 80},
}

// EstimateFromParamCount returns the minimum VRAM, in GB, for a model given
// only its total parameter count in millions, with no dtype information.
// Models larger than the table's top bracket are assumed H100-class (80 GB).
func EstimateFromParamCount(paramsMillions int) int {
	for _, row := range paramToVRAM {
		if paramsMillions <= row.maxParamsMillions {
			return row.minVRAMGB
		}
	}
	return 80
}

// MinVRAMGB resolves the minimum VRAM for modelID using, in priority order: a
// registry hit, a dtype-weighted estimate from params, or a parameter-count
// fallback. It fails with UnsupportedModelError when none of the three
// yields an answer — there is no conservative default; an unknown model
// with no usable metadata is unsized, not assumed.
func MinVRAMGB(modelID string, params ParamsByDtype, paramsMillions *int) (int, error) {
	if spec, ok := Lookup(modelID); ok {
		return spec.MinVRAMGB, nil
	}
	if len(params) > 0 {
		if gb, err := EstimateVRAM(modelID, params); err == nil {
			return gb, nil
		}
	}
	if paramsMillions != nil {
		return snapToTier(EstimateFromParamCount(*paramsMillions)), nil
	}
	return 0, &UnsupportedModelError{ModelID: modelID}
}
