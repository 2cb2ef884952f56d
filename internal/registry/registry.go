// Package registry holds the static catalog of known diffusion models and
// the VRAM estimator used to size a GPU for models outside the catalog.
package registry

import "fmt"

// PipelineTag is the coarse task a catalog entry supports.
type PipelineTag string

const (
	TaskText2Img   PipelineTag = "text2img"
	TaskImage2Img  PipelineTag = "image2img"
	TaskText2Video PipelineTag = "text2video"
)

// ModelSpec is one catalog entry: the minimum VRAM (GB) required to run the
// model including weights, activations, and overhead, plus the tasks it
// supports.
type ModelSpec struct {
	MinVRAMGB int
	Tasks     []PipelineTag
	Notes     string
}

// catalog mirrors the diffusion-model registry of the original service:
// entries are the minimum GPU memory required to run the model, not the
// raw weight size on disk.
var catalog = map[string]ModelSpec{
	"black-forest-labs/FLUX.1-schnell": {
		MinVRAMGB: 16,
		Tasks:     []PipelineTag{TaskText2Img},
		Notes:     "12 GB weights + ~4 GB activation headroom",
	},
	"black-forest-labs/FLUX.1-dev": {
		MinVRAMGB: 28,
		Tasks:     []PipelineTag{TaskText2Img},
		Notes:     "24 GB weights + overhead; a 24 GB tier OOMs",
	},
	"stabilityai/stable-diffusion-xl-base-1.0": {
		MinVRAMGB: 12,
		Tasks:     []PipelineTag{TaskText2Img, TaskImage2Img},
	},
	"stabilityai/sdxl-turbo": {
		MinVRAMGB: 10,
		Tasks:     []PipelineTag{TaskText2Img, TaskImage2Img},
	},
	"stabilityai/sd-turbo": {
		MinVRAMGB: 8,
		Tasks:     []PipelineTag{TaskText2Img, TaskImage2Img},
	},
	"stabilityai/stable-diffusion-2-1": {
		MinVRAMGB: 8,
		Tasks:     []PipelineTag{TaskText2Img, TaskImage2Img},
	},
	"runwayml/stable-diffusion-v1-5": {
		MinVRAMGB: 6,
		Tasks:     []PipelineTag{TaskText2Img, TaskImage2Img},
	},
	"stabilityai/stable-diffusion-3-medium-diffusers": {
		MinVRAMGB: 18,
		Tasks:     []PipelineTag{TaskText2Img},
	},
	"stabilityai/stable-diffusion-3.5-large": {
		MinVRAMGB: 40,
		Tasks:     []PipelineTag{TaskText2Img},
	},
	"stabilityai/stable-diffusion-3.5-large-turbo": {
		MinVRAMGB: 40,
		Tasks:     []PipelineTag{TaskText2Img},
	},
	"stabilityai/stable-diffusion-3.5-medium": {
		MinVRAMGB: 18,
		Tasks:     []PipelineTag{TaskText2Img},
	},
	"PixArt-alpha/PixArt-Sigma-XL-2-1024-MS": {
		MinVRAMGB: 18,
		Tasks:     []PipelineTag{TaskText2Img},
	},
	"kandinsky-community/kandinsky-2-2-decoder": {
		MinVRAMGB: 10,
		Tasks:     []PipelineTag{TaskText2Img, TaskImage2Img},
	},
	"DeepFloyd/IF-I-XL-v1.0": {
		MinVRAMGB: 40,
		Tasks:     []PipelineTag{TaskText2Img},
	},
	"Wan-AI/Wan2.1-T2V-14B-Diffusers": {
		MinVRAMGB: 80,
		Tasks:     []PipelineTag{TaskText2Video},
	},
	"Wan-AI/Wan2.1-T2V-1.3B-Diffusers": {
		MinVRAMGB: 16,
		Tasks:     []PipelineTag{TaskText2Video},
	},
	"THUDM/CogVideoX-5b": {
		MinVRAMGB: 48,
		Tasks:     []PipelineTag{TaskText2Video},
	},
}

// Lookup returns the catalog entry for modelID, if registered.
func Lookup(modelID string) (ModelSpec, bool) {
	spec, ok := catalog[modelID]
	return spec, ok
}

// SupportsTask reports whether modelID supports task. Unregistered models
// default to true: the registry only records known restrictions.
func SupportsTask(modelID string, task PipelineTag) bool {
	spec, ok := catalog[modelID]
	if !ok {
		return true
	}
	for _, t := range spec.Tasks {
		if t == task {
			return true
		}
	}
	return false
}

// UnsupportedModelError is returned when a model is unregistered and its
// VRAM requirement cannot be estimated from any parameter metadata either.
type UnsupportedModelError struct {
	ModelID string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("model %q is not in the registry and has no usable parameter metadata", e.ModelID)
}
