package rooms

// Info is the display metadata for a room.
type Info struct {
	ID          string
	Name        string
	Description string
}

var catalog = map[string]Info{
	"general": {ID: "general", Name: "# general", Description: "Welcome to the general chat room"},
	"random":  {ID: "random", Name: "# random", Description: "Random discussions and off-topic chat"},
	"tech":    {ID: "tech", Name: "# tech", Description: "Technology and programming discussions"},
}

var known = []string{"general", "random", "tech"}

// Lookup resolves display metadata, falling back to the raw id for rooms
// outside the catalog.
func Lookup(id string) Info {
	if info, ok := catalog[id]; ok {
		return info
	}
	return Info{ID: id, Name: "# " + id}
}

// Known returns the catalogued room ids in display order.
func Known() []string {
	ids := make([]string, len(known))
	copy(ids, known)
	return ids
}
