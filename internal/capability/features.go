package capability

// nodeFeatures maps installed node classes to the feature ids they
// unlock. A worker advertising any node in a group gets the feature.
var nodeFeatures = map[string]string{
	"CheckpointLoaderSimple":   "basic-generation",
	"KSamplerAdvanced":         "advanced-sampling",
	"LoraLoader":               "lora",
	"VAELoader":                "custom-vae",
	"ControlNetLoader":         "controlnet",
	"ControlNetApplyAdvanced":  "controlnet",
	"CLIPVisionLoader":         "image-prompting",
	"IPAdapterModelLoader":     "image-prompting",
	"VideoLinearCFGGuidance":   "video-generation",
	"SVD_img2vid_Conditioning": "video-generation",
	"UNETLoader":               "unet-models",
	"UnetLoaderGGUF":           "gguf-models",
	"TripleCLIPLoader":         "sd3",
	"UpscaleModelLoader":       "model-upscale",
	"FaceRestoreModelLoader":   "face-restore",
}

// presumptiveFeatures are assumed present on every worker until a
// refreshed capability document proves otherwise. Registry.Apply drops
// them when the backing node class is absent.
var presumptiveFeatures = map[string]string{
	"model-upscale": "UpscaleModelLoader",
	"face-restore":  "FaceRestoreModelLoader",
}
