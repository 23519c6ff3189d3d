package capability

import "strings"

// Model list categories.
const (
	CategoryCheckpoint = "Stable-Diffusion"
	CategoryLoRA       = "LoRA"
	CategoryVAE        = "VAE"
	CategoryControl    = "ControlNet"
	CategoryVision     = "ClipVision"
	CategoryEmbedding  = "Embedding"
)

// Categories lists every model category, in reporting order.
func Categories() []string {
	return []string{
		CategoryCheckpoint,
		CategoryLoRA,
		CategoryVAE,
		CategoryControl,
		CategoryVision,
		CategoryEmbedding,
	}
}

// modelSources maps categories to the loader node classes and enum
// parameters their model lists are read from. A category may have several
// sources; their lists concatenate.
var modelSources = map[string][]struct {
	nodeClass string
	param     string
}{
	CategoryCheckpoint: {
		{"CheckpointLoaderSimple", "ckpt_name"},
		{"UNETLoader", "unet_name"},
		{"UnetLoaderGGUF", "unet_name"},
		{"TensorRTLoader", "unet_name"},
	},
	CategoryLoRA:      {{"LoraLoader", "lora_name"}},
	CategoryVAE:       {{"VAELoader", "vae_name"}},
	CategoryControl:   {{"ControlNetLoader", "control_net_name"}},
	CategoryVision:    {{"CLIPVisionLoader", "clip_name"}},
	CategoryEmbedding: {{"EmbedLoaderListProvider", "embed_name"}},
}

// Snapshot is the state derived from one worker's capability document.
type Snapshot struct {
	// NodeClasses is the set of installed graph-node-class names, used
	// for job compatibility checks.
	NodeClasses map[string]bool

	// Models holds per-category model names, normalized to forward
	// slashes.
	Models map[string][]string

	// PathSeparator is the worker's model path convention: "\" if any
	// discovered model name contains a backslash, else "/".
	PathSeparator string

	// Features is the feature-id set advertised by this worker's
	// installed node classes.
	Features map[string]bool
}

// Build derives a snapshot from a capability document.
func Build(doc Document) *Snapshot {
	snap := &Snapshot{
		NodeClasses:   make(map[string]bool, len(doc)),
		Models:        map[string][]string{},
		PathSeparator: "/",
		Features:      map[string]bool{},
	}
	for class := range doc {
		snap.NodeClasses[class] = true
		if feature, ok := nodeFeatures[class]; ok {
			snap.Features[feature] = true
		}
	}
	for category, sources := range modelSources {
		for _, src := range sources {
			models := doc.EnumOptions(src.nodeClass, src.param)
			if len(models) == 0 {
				continue
			}
			for _, m := range models {
				if strings.ContainsRune(m, '\\') {
					snap.PathSeparator = "\\"
				}
				snap.Models[category] = append(snap.Models[category], strings.ReplaceAll(m, "\\", "/"))
			}
		}
	}
	return snap
}

// Supports reports whether every named node class is installed.
func (s *Snapshot) Supports(nodeClasses []string) bool {
	for _, class := range nodeClasses {
		if !s.NodeClasses[class] {
			return false
		}
	}
	return true
}
