package rand

import (
	"fmt"
	mrand "math/rand/v2"
)

var adjectives = []string{
	"amber", "bold", "bright", "calm", "clever", "cosy", "crisp", "dusky",
	"eager", "gentle", "glowing", "humming", "idle", "jolly", "keen", "lucid",
	"mellow", "nimble", "quiet", "rapid", "silent", "steady", "sunny", "tidy",
	"vivid", "warm", "wise", "zesty",
}

var things = []string{
	"attic", "awning", "blind", "boiler", "bulb", "chime", "curtain", "damper",
	"dimmer", "doorbell", "fan", "furnace", "gate", "heater", "kettle", "lamp",
	"latch", "mixer", "outlet", "porch", "relay", "shutter", "sprinkler",
	"switch", "thermostat", "valve", "vent", "window",
}

// NewName returns a random "adjective-thing-xxxx" name. The hex suffix keeps
// broker client IDs from colliding when many processes start at once.
func NewName() string {
	return fmt.Sprintf("%s-%s-%04x",
		adjectives[mrand.IntN(len(adjectives))],
		things[mrand.IntN(len(things))],
		mrand.IntN(1<<16))
}
