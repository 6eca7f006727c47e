package poc

import "github.com/zeebo/xxh3"

// Hotspot display names are a deterministic word triple derived from the
// canonical public key string, so every sighting of a device renders the
// same name without a lookup.

var nameAdjectives = []string{
	"ancient", "brave", "clever", "daring", "eager", "fancy", "gentle",
	"happy", "icy", "jolly", "keen", "lucky", "mellow", "noble", "odd",
	"proud", "quick", "rustic", "shiny", "tiny", "upbeat", "vivid",
	"wild", "zesty",
}

var nameColors = []string{
	"amber", "azure", "bronze", "coral", "crimson", "emerald", "golden",
	"indigo", "ivory", "jade", "lavender", "magenta", "maroon", "olive",
	"pearl", "ruby", "sable", "scarlet", "silver", "teal", "topaz",
	"violet",
}

var nameAnimals = []string{
	"antelope", "badger", "cougar", "dolphin", "eagle", "ferret",
	"gazelle", "heron", "ibex", "jaguar", "kestrel", "lemur", "marmot",
	"narwhal", "ocelot", "panther", "quail", "raccoon", "seal", "toad",
	"urchin", "vole", "walrus", "yak",
}

func hotspotName(pubKey string) string {
	h := xxh3.HashString(pubKey)
	adj := nameAdjectives[h%uint64(len(nameAdjectives))]
	color := nameColors[(h>>16)%uint64(len(nameColors))]
	animal := nameAnimals[(h>>32)%uint64(len(nameAnimals))]
	return adj + "-" + color + "-" + animal
}
