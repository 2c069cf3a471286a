package provider

import (
	"errors"
	"testing"

	"loom/internal/logging"
	"loom/internal/services"
)

func testDescriptor() Descriptor {
	return Descriptor{
		Model:          "test/model",
		Provider:       ProviderReplicate,
		Kind:           KindTextToImage,
		Mode:           ModeSync,
		Whitelist:      []string{"aspectRatio", "resolution", "seed"},
		PixelWhitelist: []string{"width", "height", "seed"},
		AspectRatios:   []string{"1:1", "16:9"},
		Resolutions:    []string{"720p", "1080p"},
		Defaults:       Params{"aspectRatio": "1:1"},
	}
}

func TestNormalizeDropsUnsupportedParams(t *testing.T) {
	d := testDescriptor()
	got, err := d.Normalize(Params{
		"aspectRatio":   "16:9",
		"guidanceScale": 7.5,
		"seed":          42,
	}, false, logging.NewNop())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if _, ok := got["guidanceScale"]; ok {
		t.Fatal("unsupported parameter survived the whitelist")
	}
	if v, _ := got.String("aspectRatio"); v != "16:9" {
		t.Fatalf("aspectRatio = %v", got["aspectRatio"])
	}
	if v, _ := got.Int("seed"); v != 42 {
		t.Fatalf("seed = %v", got["seed"])
	}
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	d := testDescriptor()
	got, err := d.Normalize(nil, false, logging.NewNop())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if v, _ := got.String("aspectRatio"); v != "1:1" {
		t.Fatalf("default not applied: %v", got)
	}
}

func TestNormalizeRejectsUnknownAspectRatio(t *testing.T) {
	d := testDescriptor()
	_, err := d.Normalize(Params{"aspectRatio": "21:9"}, false, logging.NewNop())
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestNormalizePixelDimensions(t *testing.T) {
	d := testDescriptor()
	got, err := d.Normalize(Params{"aspectRatio": "16:9", "resolution": "1080p", "seed": 7}, true, logging.NewNop())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if w, _ := got.Int("width"); w != 1920 {
		t.Fatalf("width = %v", got["width"])
	}
	if h, _ := got.Int("height"); h != 1080 {
		t.Fatalf("height = %v", got["height"])
	}
	if _, ok := got["aspectRatio"]; ok {
		t.Fatal("aspectRatio should be replaced by pixel dimensions")
	}
	if _, ok := got["seed"]; !ok {
		t.Fatal("seed dropped from pixel whitelist")
	}
}

func TestWireParamsTranslatesNames(t *testing.T) {
	d := testDescriptor()
	wire := d.WireParams(Params{"aspectRatio": "1:1", "seed": 3})
	if _, ok := wire["aspect_ratio"]; !ok {
		t.Fatalf("wire params = %v", wire)
	}
	if _, ok := wire["aspectRatio"]; ok {
		t.Fatal("caller-facing name leaked to wire")
	}
}

func TestCostUsesDuration(t *testing.T) {
	d := Descriptor{BaseCost: 0.15, CostPerSecond: 0.07}
	got := d.Cost(Params{"duration": 5}, 1)
	want := 0.15 + 0.07*5
	if got != want {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}

func TestCatalogKeysAreUnique(t *testing.T) {
	seen := make(map[string]string)
	for _, desc := range Catalog() {
		key := registryKey(desc.Kind, desc.Model)
		if prior, ok := seen[key]; ok {
			t.Fatalf("duplicate catalog entry %s (already used by %s)", key, prior)
		}
		seen[key] = desc.Model
		if desc.PollCap == 0 {
			t.Fatalf("descriptor %s missing poll cap", desc.Model)
		}
		if desc.Mode == ModePoll && desc.Path == "" {
			t.Fatalf("poll descriptor %s missing path", desc.Model)
		}
	}
}
