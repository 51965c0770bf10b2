package discord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gridMessage(id string) *Message {
	return &Message{
		ID: id,
		Components: []*MessageComponent{
			{
				Type: ComponentTypeActionRow,
				Components: []*MessageComponent{
					{Type: ComponentTypeButton, Label: "U1", CustomID: "MJ::JOB::upsample::1::abc"},
					{Type: ComponentTypeButton, Label: "U2", CustomID: "MJ::JOB::upsample::2::abc"},
					{Type: ComponentTypeButton, Label: "U3", CustomID: "MJ::JOB::upsample::3::abc"},
					{Type: ComponentTypeButton, Label: "U4", CustomID: "MJ::JOB::upsample::4::abc"},
				},
			},
			{
				Type: ComponentTypeActionRow,
				Components: []*MessageComponent{
					{Type: ComponentTypeButton, Label: "V1", CustomID: "MJ::JOB::variation::1::abc"},
					{Type: ComponentTypeButton, Label: "🔄", CustomID: "MJ::JOB::reroll::0::abc"},
				},
			},
		},
	}
}

func TestUpscaleButtons(t *testing.T) {
	buttons := UpscaleButtons(gridMessage("123"))
	require.Len(t, buttons, 4)

	for i, b := range buttons {
		assert.Equal(t, i, b.VariantIndex)
		assert.Equal(t, "123", b.MessageID)
		assert.Contains(t, b.CustomID, "::upsample::")
	}
}

func TestUpscaleButtonsIgnoresVariations(t *testing.T) {
	for _, b := range UpscaleButtons(gridMessage("1")) {
		assert.NotContains(t, b.CustomID, "::variation::")
		assert.NotContains(t, b.CustomID, "::reroll::")
	}
}

func TestUpscaleButtonsNilMessage(t *testing.T) {
	assert.Nil(t, UpscaleButtons(nil))
	assert.Nil(t, UpscaleButtons(&Message{ID: "1"}))
}

func TestHasFullUpscaleRow(t *testing.T) {
	m := gridMessage("1")
	assert.True(t, HasFullUpscaleRow(m))

	// drop U3
	m.Components[0].Components = append(m.Components[0].Components[:2], m.Components[0].Components[3:]...)
	assert.False(t, HasFullUpscaleRow(m))
}

func TestSnowflakeTimestamp(t *testing.T) {
	// 175928847299117063 is the documented example snowflake, created
	// 2016-04-30 11:18:25.796 UTC.
	ts, err := SnowflakeTimestamp("175928847299117063")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2016, 4, 30, 11, 18, 25, 796000000, time.UTC), ts.UTC())

	_, err = SnowflakeTimestamp("not-a-number")
	assert.Error(t, err)
}

func TestMakeSnowflakeRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	ts, err := SnowflakeTimestamp(MakeSnowflake(now))
	require.NoError(t, err)
	assert.True(t, ts.Equal(now), "want %s, got %s", now, ts)
}
