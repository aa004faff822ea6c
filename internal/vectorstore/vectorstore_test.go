package vectorstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointID(t *testing.T) {
	a := PointID("pubmed:31978945")

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())

	assert.Equal(t, a, PointID("pubmed:31978945"), "stable across calls")
	assert.NotEqual(t, a, PointID("pubmed:31978946"))
}

func TestToPoint(t *testing.T) {
	p := toPoint(PaperVector{
		PaperID: "pubmed:1",
		Vector:  []float32{0.1, 0.2},
		Payload: map[string]string{"source": "pubmed", "paper_id": "spoofed"},
	})

	assert.Equal(t, PointID("pubmed:1"), p.GetId().GetUuid())
	assert.Equal(t, "pubmed:1", p.GetPayload()[payloadPaperID].GetStringValue())
	assert.Equal(t, "pubmed", p.GetPayload()["source"].GetStringValue())
	assert.Equal(t, []float32{0.1, 0.2}, p.GetVectors().GetVector().GetData())
}
