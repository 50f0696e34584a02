package planning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/simulacra/internal/oracle"
)

const textReply = `GOAL: Get the Valentine's party ready.

MORNING: [08:00-11:30]
Activity: Open the cafe and brew coffee
Location: Hobbs Cafe
Reasoning: Regulars arrive early.
Tasks:
- Unlock the doors (15m)
- Brew coffee (45m)
- Serve customers

AFTERNOON: afternoon
Activity: Talk with Maria about decorations
Location: Hobbs Cafe

EVENING: 22:00-01:00
Activity: Read a novel
Location: Home`

func TestParsePlan_Text(t *testing.T) {
	d, err := ParsePlan(textReply, day)
	require.NoError(t, err)
	assert.Equal(t, []string{"Get the Valentine's party ready."}, d.Goals)
	require.Len(t, d.Blocks, 3)

	morning := d.Blocks[0]
	assert.Equal(t, at(8, 0), morning.Start)
	assert.Equal(t, at(11, 30), morning.End)
	assert.Equal(t, "Hobbs Cafe", morning.Location)
	require.Len(t, morning.Tasks, 3)
	assert.Equal(t, "Unlock the doors", morning.Tasks[0].Description)
	assert.Equal(t, 15, morning.Tasks[0].DurationMinutes)
	assert.Equal(t, 70, morning.Tasks[2].DurationMinutes)
	assert.Equal(t, ActionInteract, morning.Tasks[1].ActionKind)
	assert.Equal(t, TaskPending, morning.Tasks[2].Status)

	afternoon := d.Blocks[1]
	assert.Equal(t, at(13, 0), afternoon.Start)
	assert.Equal(t, at(17, 0), afternoon.End)
	require.Len(t, afternoon.Tasks, 1)
	assert.Equal(t, 240, afternoon.Tasks[0].DurationMinutes)
	assert.Equal(t, ActionTalk, afternoon.Tasks[0].ActionKind)

	evening := d.Blocks[2]
	assert.Equal(t, at(22, 0), evening.Start)
	assert.Equal(t, day.Add(25*time.Hour), evening.End)
}

func TestParsePlan_HeaderCarriesActivity(t *testing.T) {
	d, err := ParsePlan("MORNING: Walk to the market\nEVENING: evening\nActivity: Cook dinner", day)
	require.NoError(t, err)
	require.Len(t, d.Blocks, 2)
	assert.Equal(t, "Walk to the market", d.Blocks[0].Activity)
	assert.Equal(t, at(9, 0), d.Blocks[0].Start)
	assert.Equal(t, at(12, 0), d.Blocks[0].End)
	assert.Equal(t, ActionMove, d.Blocks[0].Tasks[0].ActionKind)
}

func TestParsePlan_JSON(t *testing.T) {
	reply := "```json\n" + `{
  "goals": ["finish the paper"],
  "blocks": [
    {"start": "09:00", "end": "12:00", "activity": "Write", "location": "Library",
     "tasks": [{"description": "Write the intro", "duration_minutes": 90}, {"description": "Edit"}]},
    {"period": "evening", "activity": "Dinner with friends"},
    {"start": "", "end": "", "activity": "Nowhere"}
  ]
}` + "\n```"
	d, err := ParsePlan(reply, day)
	require.NoError(t, err)
	assert.Equal(t, []string{"finish the paper"}, d.Goals)
	require.Len(t, d.Blocks, 2)
	assert.Equal(t, "Library", d.Blocks[0].Tasks[0].Location)
	assert.Equal(t, 90, d.Blocks[0].Tasks[0].DurationMinutes)
	assert.Equal(t, 90, d.Blocks[0].Tasks[1].DurationMinutes)
	assert.Equal(t, at(18, 0), d.Blocks[1].Start)
}

func TestParsePlan_Malformed(t *testing.T) {
	for _, reply := range []string{
		"",
		"I will just see how the day goes.",
		"GOAL: be happy",
		`{"goals": ["x"], "blocks": []}`,
		`{"goals": [`,
	} {
		_, err := ParsePlan(reply, day)
		assert.ErrorIs(t, err, oracle.ErrOracleMalformedResponse, reply)
	}
}
