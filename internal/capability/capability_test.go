package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `{
	"CheckpointLoaderSimple": {
		"category": "loaders",
		"input": {"required": {"ckpt_name": [["sd_xl_base.safetensors", "dreams/photon.safetensors"], {}]}}
	},
	"LoraLoader": {
		"category": "loaders",
		"input": {"required": {"lora_name": [["detail-tweaker.safetensors"], {}], "strength_model": ["FLOAT", {"default": 1.0}]}}
	},
	"KSampler": {
		"category": "sampling",
		"input": {"required": {"steps": ["INT", {"default": 20}]}}
	}
}`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleDocument))
	require.NoError(t, err)
	require.Len(t, doc, 3)
	assert.Equal(t, "sampling", doc["KSampler"].Category)
}

func TestParseDocument_WorkerError(t *testing.T) {
	_, err := ParseDocument([]byte(`{"error": "device lost"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device lost")
}

func TestParseDocument_Malformed(t *testing.T) {
	_, err := ParseDocument([]byte(`[1, 2]`))
	require.Error(t, err)
}

func TestEnumOptions(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleDocument))
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"sd_xl_base.safetensors", "dreams/photon.safetensors"},
		doc.EnumOptions("CheckpointLoaderSimple", "ckpt_name"))

	// Scalar parameters and unknown names yield nothing.
	assert.Nil(t, doc.EnumOptions("KSampler", "steps"))
	assert.Nil(t, doc.EnumOptions("KSampler", "missing"))
	assert.Nil(t, doc.EnumOptions("NoSuchNode", "ckpt_name"))
}

func TestBuild(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleDocument))
	require.NoError(t, err)

	snap := Build(doc)
	assert.True(t, snap.NodeClasses["KSampler"])
	assert.Equal(t,
		[]string{"sd_xl_base.safetensors", "dreams/photon.safetensors"},
		snap.Models[CategoryCheckpoint])
	assert.Equal(t, []string{"detail-tweaker.safetensors"}, snap.Models[CategoryLoRA])
	assert.True(t, snap.Features["basic-generation"])
	assert.True(t, snap.Features["lora"])
	assert.False(t, snap.Features["controlnet"])
}

func TestBuild_PathSeparator(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleDocument))
	require.NoError(t, err)
	assert.Equal(t, "/", Build(doc).PathSeparator)

	windowsDoc, err := ParseDocument([]byte(`{
		"CheckpointLoaderSimple": {
			"input": {"required": {"ckpt_name": [["models\\foo.safetensors"], {}]}}
		}
	}`))
	require.NoError(t, err)
	snap := Build(windowsDoc)
	assert.Equal(t, `\`, snap.PathSeparator)
	// Names are normalized to forward slashes regardless of convention.
	assert.Equal(t, []string{"models/foo.safetensors"}, snap.Models[CategoryCheckpoint])
}

func TestSnapshot_Supports(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleDocument))
	require.NoError(t, err)
	snap := Build(doc)

	assert.True(t, snap.Supports([]string{"KSampler", "LoraLoader"}))
	assert.False(t, snap.Supports([]string{"KSampler", "ControlNetLoader"}))
	assert.True(t, snap.Supports(nil))
}

func TestRegistry_MergeAndGrowOnly(t *testing.T) {
	reg := NewRegistry()

	first := Build(mustDoc(t, `{
		"CheckpointLoaderSimple": {"input": {"required": {"ckpt_name": [["a.safetensors", "b.safetensors"], {}]}}}
	}`))
	reg.Apply(first)

	// A refresh with fewer models does not retract earlier names.
	second := Build(mustDoc(t, `{
		"CheckpointLoaderSimple": {"input": {"required": {"ckpt_name": [["b.safetensors"], {}]}}}
	}`))
	reg.Apply(second)

	assert.Equal(t, []string{"a.safetensors", "b.safetensors"}, reg.Models(CategoryCheckpoint))
}

func TestRegistry_PresumptiveFeatureDiscard(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, reg.HasFeature("model-upscale"))

	reg.Apply(Build(mustDoc(t, `{"KSampler": {}}`)))
	assert.False(t, reg.HasFeature("model-upscale"))
	assert.False(t, reg.HasFeature("face-restore"))
}

func TestRegistry_PresumptiveFeatureConfirmed(t *testing.T) {
	reg := NewRegistry()
	reg.Apply(Build(mustDoc(t, `{"UpscaleModelLoader": {}}`)))
	assert.True(t, reg.HasFeature("model-upscale"))

	// Later snapshots without the node do not retract a confirmed feature.
	reg.Apply(Build(mustDoc(t, `{"KSampler": {}}`)))
	assert.True(t, reg.HasFeature("model-upscale"))
}

func mustDoc(t *testing.T, raw string) Document {
	t.Helper()
	doc, err := ParseDocument([]byte(raw))
	require.NoError(t, err)
	return doc
}
