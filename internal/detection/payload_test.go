package detection

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("nested bbox", func(t *testing.T) {
		set, err := Parse([]byte(`{"detections":[{"class":0,"name":"person","confidence":0.91,"bbox":[[10,20,110,220]]}]}`))
		require.NoError(t, err)
		require.Len(t, set, 1)
		assert.Equal(t, Detection{
			ClassID:    0,
			ClassName:  "person",
			Confidence: 0.91,
			Box:        BoundingBox{XMin: 10, YMin: 20, XMax: 110, YMax: 220},
		}, set[0])
	})

	t.Run("flat bbox and float class", func(t *testing.T) {
		set, err := Parse([]byte(`{"detections":[{"class":2.0,"name":"car","confidence":0.5,"bbox":[1.5,2.5,3.5,4.5]}]}`))
		require.NoError(t, err)
		require.Len(t, set, 1)
		assert.Equal(t, 2, set[0].ClassID)
		assert.Equal(t, BoundingBox{XMin: 1.5, YMin: 2.5, XMax: 3.5, YMax: 4.5}, set[0].Box)
	})

	t.Run("empty list", func(t *testing.T) {
		set, err := Parse([]byte(`{"detections":[]}`))
		require.NoError(t, err)
		assert.NotNil(t, set)
		assert.Empty(t, set)
	})

	t.Run("missing name falls back to class id", func(t *testing.T) {
		set, err := Parse([]byte(`{"detections":[{"class":7,"confidence":0.3,"bbox":[0,0,1,1]}]}`))
		require.NoError(t, err)
		assert.Equal(t, "7", set[0].ClassName)
	})

	t.Run("out of range confidence is kept", func(t *testing.T) {
		set, err := Parse([]byte(`{"detections":[{"class":1,"name":"x","confidence":-0.5,"bbox":[0,0,1,1]}]}`))
		require.NoError(t, err)
		assert.Equal(t, -0.5, set[0].Confidence)
	})
}

func TestParseRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		field   string
	}{
		{"not a list", `{"detections":"not-a-list"}`, "detections"},
		{"null list", `{"detections":null}`, "detections"},
		{"missing key", `{"results":[]}`, "detections"},
		{"null result", `null`, ""},
		{"not json", `<html>`, ""},
		{"missing class", `{"detections":[{"confidence":0.5,"bbox":[0,0,1,1]}]}`, "detections[0].class"},
		{"fractional class", `{"detections":[{"class":1.5,"confidence":0.5,"bbox":[0,0,1,1]}]}`, "detections[0].class"},
		{"missing confidence", `{"detections":[{"class":1,"bbox":[0,0,1,1]}]}`, "detections[0].confidence"},
		{"short bbox", `{"detections":[{"class":1,"confidence":0.5,"bbox":[0,0,1]}]}`, "detections[0].bbox"},
		{"empty nested bbox", `{"detections":[{"class":1,"confidence":0.5,"bbox":[]}]}`, "detections[0].bbox"},
		{"string bbox", `{"detections":[{"class":1,"confidence":0.5,"bbox":"0,0,1,1"}]}`, "detections[0].bbox"},
		{"missing bbox", `{"detections":[{"class":1,"confidence":0.5}]}`, "detections[0].bbox"},
		{"element not object", `{"detections":[42]}`, "detections[0]"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.payload))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestParseBatch(t *testing.T) {
	sets, err := ParseBatch([]byte(`[
		{"detections":[{"class":0,"name":"person","confidence":0.9,"bbox":[0,0,5,5]}]},
		{"detections":[]}
	]`))
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Len(t, sets[0], 1)
	assert.Empty(t, sets[1])

	_, err = ParseBatch([]byte(`{"detections":[]}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = ParseBatch([]byte(`[{"detections":{}}]`))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "[0]detections", verr.Field)
}

func TestClamp(t *testing.T) {
	testCases := []struct {
		name string
		box  BoundingBox
		want image.Rectangle
		ok   bool
	}{
		{"inside", BoundingBox{10, 10, 50, 60}, image.Rect(10, 10, 50, 60), true},
		{"swapped corners", BoundingBox{50, 60, 10, 10}, image.Rect(10, 10, 50, 60), true},
		{"overflowing", BoundingBox{-20, -20, 500, 500}, image.Rect(0, 0, 99, 79), true},
		{"huge values", BoundingBox{-1e300, -1e300, 1e300, 1e300}, image.Rect(0, 0, 99, 79), true},
		{"outside", BoundingBox{150, 150, 200, 200}, image.Rectangle{}, false},
		{"degenerate", BoundingBox{5, 5, 5.4, 30}, image.Rectangle{}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.box.Clamp(100, 80)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
