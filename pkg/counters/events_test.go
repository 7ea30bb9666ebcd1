package counters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		want    Event
		wantErr bool
	}{
		{name: "task-clock", want: TaskClock},
		{name: "cpu-clock", want: CPUClock},
		{name: "instructions", want: Instructions},
		{name: "ref-cycles", want: RefCycles},
		{name: "branch-misses", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
			assert.Equal(t, tt.name, ev.String())
		})
	}
}

func TestEventHardware(t *testing.T) {
	assert.False(t, TaskClock.Hardware())
	assert.False(t, CPUClock.Hardware())
	assert.True(t, Instructions.Hardware())
	assert.True(t, RefCycles.Hardware())
}

func TestAllEventsSoftwareFirst(t *testing.T) {
	evs := AllEvents()
	require.Len(t, evs, 4)
	assert.False(t, evs[0].Hardware())
	assert.False(t, evs[1].Hardware())
	assert.True(t, evs[2].Hardware())
	assert.True(t, evs[3].Hardware())
}
