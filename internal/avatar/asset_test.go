package avatar

import (
	"errors"
	"math"
	"testing"

	"github.com/qmuntal/gltf"
)

func humanoidDoc(morphNames []string) *gltf.Document {
	mesh := &gltf.Mesh{Name: "Face"}
	if morphNames != nil {
		raw := make([]interface{}, len(morphNames))
		for i, n := range morphNames {
			raw[i] = n
		}
		mesh.Extras = map[string]interface{}{"targetNames": raw}
	}
	return &gltf.Document{
		Asset: gltf.Asset{Version: "2.0"},
		Nodes: []*gltf.Node{
			{Name: "Hips", Children: []uint32{1}, Translation: [3]float64{0, 1.0, 0}},
			{Name: "Spine", Children: []uint32{2}, Translation: [3]float64{0, 0.3, 0}},
			{Name: "Head", Translation: [3]float64{0, 0.4, 0}},
		},
		Meshes:    []*gltf.Mesh{mesh},
		Materials: []*gltf.Material{{Name: "skin"}, {Name: "hair"}},
	}
}

func TestBuildAsset_FindsHeadAndAnchor(t *testing.T) {
	t.Parallel()

	a, err := buildAsset(humanoidDoc(nil), "model.vrm")
	if err != nil {
		t.Fatalf("buildAsset: %v", err)
	}
	if a.HeadNode != 2 {
		t.Errorf("HeadNode = %d, want 2", a.HeadNode)
	}
	// Hips + Spine + Head translations, plus the eye offset.
	wantY := 1.0 + 0.3 + 0.4 + eyeAnchorOffset
	if math.Abs(a.EyeAnchor[1]-wantY) > 1e-9 {
		t.Errorf("EyeAnchor y = %f, want %f", a.EyeAnchor[1], wantY)
	}
	if a.MaterialCount != 2 {
		t.Errorf("MaterialCount = %d, want 2", a.MaterialCount)
	}
}

func TestBuildAsset_MissingHeadBoneFails(t *testing.T) {
	t.Parallel()

	doc := &gltf.Document{
		Nodes: []*gltf.Node{{Name: "Hips"}, {Name: "Spine"}},
	}
	_, err := buildAsset(doc, "headless.vrm")
	if err == nil {
		t.Fatal("expected error for rig without head bone")
	}
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError, got %T", err)
	}
}

func TestProbeViseme_ExactMatch(t *testing.T) {
	t.Parallel()

	doc := humanoidDoc([]string{"Blink", "Joy", "aa", "Sorrow"})
	v := probeViseme(doc)
	if !v.Supported {
		t.Fatal("expected viseme support")
	}
	if v.MorphIndex != 2 || v.MorphName != "aa" {
		t.Errorf("matched %q at %d, want aa at 2", v.MorphName, v.MorphIndex)
	}
}

func TestProbeViseme_CaseAndPrefixVariants(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"A", "MouthOpen", "Fcl_MTH_A", "vrc.v_aa"} {
		doc := humanoidDoc([]string{"Blink", name})
		if v := probeViseme(doc); !v.Supported {
			t.Errorf("variant %q not recognized as viseme", name)
		}
	}
}

func TestProbeViseme_UnsupportedRig(t *testing.T) {
	t.Parallel()

	doc := humanoidDoc([]string{"Blink", "Joy", "Sorrow"})
	if v := probeViseme(doc); v.Supported {
		t.Errorf("expected no viseme support, matched %q", v.MorphName)
	}

	// No morph names at all.
	if v := probeViseme(humanoidDoc(nil)); v.Supported {
		t.Error("expected no viseme support without morph targets")
	}
}

func TestAsset_DisposeIdempotent(t *testing.T) {
	t.Parallel()

	a, err := buildAsset(humanoidDoc(nil), "model.vrm")
	if err != nil {
		t.Fatalf("buildAsset: %v", err)
	}
	if a.Disposed() {
		t.Fatal("fresh asset reported disposed")
	}
	a.Dispose()
	a.Dispose()
	if !a.Disposed() {
		t.Fatal("asset not disposed after Dispose")
	}
}
