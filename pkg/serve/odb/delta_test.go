package odb

import (
	"encoding/json"
	"testing"

	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryDiffRoundtrip(t *testing.T) {
	cases := []struct {
		name     string
		old, new string
	}{
		{"middle edit", "prefix MIDDLE suffix", "prefix CHANGED suffix"},
		{"append", "abc", "abcdef"},
		{"truncate", "abcdef", "abc"},
		{"replace all", "old", "completely different"},
		{"identical", "same", "same"},
		{"empty old", "", "new"},
		{"empty new", "old", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			payload, err := encodeBinaryDiff([]byte(c.old), []byte(c.new))
			require.NoError(t, err)
			got, err := applyBinaryDiff([]byte(c.old), payload)
			require.NoError(t, err)
			assert.Equal(t, c.new, string(got))
		})
	}
}

func TestApplyBinaryDiffRejectsOutOfRange(t *testing.T) {
	payload, err := json.Marshal(&binaryDiff{Prefix: 10, Suffix: 10, Replace: nil})
	require.NoError(t, err)
	_, err = applyBinaryDiff([]byte("short"), payload)
	assert.Error(t, err)

	_, err = applyBinaryDiff([]byte("x"), []byte("not json"))
	assert.Error(t, err)
}

func TestApplyDeltaFull(t *testing.T) {
	got, err := ApplyDelta([]byte("old"), &DeltaResponse{Type: database.DeltaFull, Payload: []byte("new")})
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestApplyDeltaNoChange(t *testing.T) {
	got, err := ApplyDelta([]byte("cached"), &DeltaResponse{NoChange: true})
	require.NoError(t, err)
	assert.Equal(t, "cached", string(got))
}

func TestApplyDeltaJSONPatch(t *testing.T) {
	old := []byte(`{"id":"user","desc":"d1"}`)
	patch := []byte(`[{"op":"replace","path":"/desc","value":"d2"}]`)
	got, err := ApplyDelta(old, &DeltaResponse{Type: database.DeltaJSONPatch, Payload: patch})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"user","desc":"d2"}`, string(got))
}

func TestApplyDeltaCompressedPatch(t *testing.T) {
	old := []byte(`{"id":"user","desc":"d1"}`)
	patch := []byte(`[{"op":"replace","path":"/desc","value":"d2"}]`)
	got, err := ApplyDelta(old, &DeltaResponse{
		Type:    database.DeltaCompressedPatch,
		Payload: zstdEncoder.EncodeAll(patch, nil),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"user","desc":"d2"}`, string(got))

	_, err = ApplyDelta(old, &DeltaResponse{Type: database.DeltaCompressedPatch, Payload: []byte("garbage")})
	assert.Error(t, err)
}

func TestApplyDeltaChain(t *testing.T) {
	old := []byte(`{"a":1}`)
	payload := []byte(`[[{"op":"replace","path":"/a","value":2}],[{"op":"replace","path":"/a","value":3}]]`)
	got, err := ApplyDelta(old, &DeltaResponse{Type: database.DeltaChain, Payload: payload})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":3}`, string(got))
}

func TestApplyDeltaUnknownType(t *testing.T) {
	_, err := ApplyDelta(nil, &DeltaResponse{Type: "XOR"})
	assert.Error(t, err)
}

func TestFoldChain(t *testing.T) {
	step1 := []byte(`[{"op":"replace","path":"/a","value":2}]`)
	step2 := []byte(`[{"op":"replace","path":"/a","value":3},{"op":"add","path":"/b","value":true}]`)
	payload, changes, ok := foldChain([]*database.VersionDelta{
		{Type: database.DeltaJSONPatch, Payload: step1},
		{Type: database.DeltaJSONPatch, Payload: step2},
	})
	require.True(t, ok)
	assert.Equal(t, 3, changes)

	got, err := ApplyDelta([]byte(`{"a":1}`), &DeltaResponse{Type: database.DeltaChain, Payload: payload})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":3,"b":true}`, string(got))

	// a non-patch step makes the chain unfoldable
	_, _, ok = foldChain([]*database.VersionDelta{
		{Type: database.DeltaJSONPatch, Payload: step1},
		{Type: database.DeltaBinaryDiff, Payload: []byte("{}")},
	})
	assert.False(t, ok)
}

func TestAccepts(t *testing.T) {
	assert.True(t, accepts(nil, database.DeltaJSONPatch))
	assert.True(t, accepts([]string{"CHAIN_DELTA"}, database.DeltaFull))
	assert.True(t, accepts([]string{"json_patch"}, database.DeltaJSONPatch))
	assert.False(t, accepts([]string{"JSON_PATCH"}, database.DeltaBinaryDiff))
}

func TestCountOps(t *testing.T) {
	assert.Equal(t, 2, countOps([]byte(`[{"op":"add"},{"op":"remove"}]`)))
	assert.Equal(t, 0, countOps([]byte(`not json`)))
}
