// Package avatar owns the loaded character: the parsed VRM asset, the
// animation mixer with its idle and transient action slots, the speaking
// exclusivity lock and the glue to the lip-sync engine. The host render loop
// calls Runtime.Update once per frame and reads back bone and blend-shape
// state.
package avatar

import (
	"fmt"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
	"github.com/qmuntal/gltf"
)

// LoadError wraps a failure to fetch or validate an avatar or clip asset.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("avatar: loading %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// visemeNames are the open-mouth blend shape names seen across VRM rigs.
// Probing is fuzzy because exporters disagree on casing and prefixes.
var visemeNames = []string{
	"aa",
	"a",
	"viseme_aa",
	"mouth_open",
	"mouthopen",
	"vrc.v_aa",
	"fcl_mth_a",
}

// visemeThreshold is the Jaro-Winkler score a morph target name must reach
// to count as the open-mouth viseme.
const visemeThreshold = 0.85

// VisemeBinding is the rig's open-mouth capability, probed once at load time.
type VisemeBinding struct {
	// Supported is false when no morph target resembles an open-mouth
	// viseme. MouthOpenness stays 0 on such rigs.
	Supported bool

	// MeshIndex and MorphIndex locate the matched target in the document.
	MeshIndex  int
	MorphIndex int

	// MorphName is the matched target's original name.
	MorphName string
}

// eyeAnchorOffset lifts the look-at anchor slightly above the head bone
// origin, roughly to eye height.
const eyeAnchorOffset = 0.1

// Asset is one loaded humanoid model. It is owned by a single Runtime; only
// Dispose may be called from elsewhere.
type Asset struct {
	// Name is the asset's display name, taken from the scene or file name.
	Name string

	// HeadNode is the index of the head bone in the document's node list.
	HeadNode int

	// EyeAnchor is the approximate world-space eye position in bind pose.
	EyeAnchor [3]float64

	// Viseme is the rig's probed open-mouth capability.
	Viseme VisemeBinding

	// MaterialCount is retained for resource accounting.
	MaterialCount int

	doc *gltf.Document

	disposeOnce sync.Once
	mu          sync.Mutex
	disposed    bool
}

// LoadAsset parses a glTF/VRM file from disk and validates it for use as an
// avatar. A missing head bone is a hard failure; a missing viseme target is
// not, the rig just cannot lip-sync.
func LoadAsset(path string) (*Asset, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	a, err := buildAsset(doc, path)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildAsset validates a parsed document and probes its capabilities.
func buildAsset(doc *gltf.Document, path string) (*Asset, error) {
	head := findHeadNode(doc)
	if head < 0 {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("no head bone in skeleton")}
	}

	name := path
	if doc.Asset.Generator != "" {
		name = doc.Asset.Generator
	}
	if len(doc.Scenes) > 0 && doc.Scenes[0].Name != "" {
		name = doc.Scenes[0].Name
	}

	anchor := nodeWorldTranslation(doc, head)
	anchor[1] += eyeAnchorOffset

	return &Asset{
		Name:          name,
		HeadNode:      head,
		EyeAnchor:     anchor,
		Viseme:        probeViseme(doc),
		MaterialCount: len(doc.Materials),
		doc:           doc,
	}, nil
}

// Disposed reports whether the asset's buffers have been released.
func (a *Asset) Disposed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disposed
}

// Dispose releases the asset's geometry and texture buffers. Idempotent.
func (a *Asset) Dispose() {
	a.disposeOnce.Do(func() {
		a.mu.Lock()
		a.disposed = true
		if a.doc != nil {
			for i := range a.doc.Buffers {
				a.doc.Buffers[i].Data = nil
			}
			a.doc = nil
		}
		a.mu.Unlock()
	})
}

// findHeadNode returns the index of the first node whose name identifies the
// head bone, or -1.
func findHeadNode(doc *gltf.Document) int {
	// Exact matches first so "Head" beats "HeadTop_End".
	for i, n := range doc.Nodes {
		name := strings.ToLower(n.Name)
		if name == "head" || strings.HasSuffix(name, ":head") || strings.HasSuffix(name, "_head") {
			return i
		}
	}
	for i, n := range doc.Nodes {
		if strings.Contains(strings.ToLower(n.Name), "head") {
			return i
		}
	}
	return -1
}

// nodeWorldTranslation accumulates translations from the scene root down to
// node. Rotation and scale are ignored, which is adequate for a bind-pose
// anchor point.
func nodeWorldTranslation(doc *gltf.Document, node int) [3]float64 {
	parents := make(map[int]int, len(doc.Nodes))
	for i, n := range doc.Nodes {
		for _, c := range n.Children {
			parents[int(c)] = i
		}
	}

	var t [3]float64
	for cur := node; ; {
		n := doc.Nodes[cur]
		t[0] += n.Translation[0]
		t[1] += n.Translation[1]
		t[2] += n.Translation[2]
		p, ok := parents[cur]
		if !ok {
			break
		}
		cur = p
	}
	return t
}

// probeViseme scans every mesh's morph target names for an open-mouth viseme.
// Exact (case-insensitive) matches win; otherwise the best fuzzy match above
// visemeThreshold is taken.
func probeViseme(doc *gltf.Document) VisemeBinding {
	best := VisemeBinding{MeshIndex: -1, MorphIndex: -1}
	bestScore := 0.0

	for mi, mesh := range doc.Meshes {
		for ti, target := range morphTargetNames(mesh) {
			name := strings.ToLower(strings.TrimSpace(target))
			if name == "" {
				continue
			}
			for _, want := range visemeNames {
				if name == want {
					return VisemeBinding{Supported: true, MeshIndex: mi, MorphIndex: ti, MorphName: target}
				}
				if score := matchr.JaroWinkler(name, want, false); score >= visemeThreshold && score > bestScore {
					bestScore = score
					best = VisemeBinding{Supported: true, MeshIndex: mi, MorphIndex: ti, MorphName: target}
				}
			}
		}
	}
	return best
}

// morphTargetNames reads the exporter-specific "targetNames" extra of a mesh.
func morphTargetNames(mesh *gltf.Mesh) []string {
	extras, ok := mesh.Extras.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := extras["targetNames"].([]interface{})
	if !ok {
		return nil
	}
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		} else {
			names = append(names, "")
		}
	}
	return names
}
