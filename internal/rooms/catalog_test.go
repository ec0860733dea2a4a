package rooms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupKnownRoom(t *testing.T) {
	t.Parallel()

	info := Lookup("general")
	assert.Equal(t, "# general", info.Name)
	assert.Equal(t, "Welcome to the general chat room", info.Description)
}

func TestLookupUnknownRoomFallsBack(t *testing.T) {
	t.Parallel()

	info := Lookup("ops")
	assert.Equal(t, "ops", info.ID)
	assert.Equal(t, "# ops", info.Name)
	assert.Empty(t, info.Description)
}

func TestKnownReturnsCopy(t *testing.T) {
	t.Parallel()

	ids := Known()
	assert.Equal(t, []string{"general", "random", "tech"}, ids)

	ids[0] = "mutated"
	assert.Equal(t, []string{"general", "random", "tech"}, Known())
}
