package sharing

// words is the dictionary share ids are drawn from.
var words = []string{
	"amber", "anchor", "apple", "arrow", "aspen", "atlas", "autumn", "badger", "bamboo",
	"banjo", "barley", "basil", "beacon", "beaver", "birch", "bison", "blaze", "bloom",
	"bluff", "bonsai", "boulder", "bramble", "breeze", "brook", "bubble", "cactus", "camel",
	"canyon", "cargo", "carrot", "cedar", "cello", "cherry", "chestnut", "cider", "cinder",
	"citrus", "clover", "cobalt", "comet", "copper", "coral", "cotton", "cougar", "crane",
	"cricket", "crystal", "cypress", "dahlia", "daisy", "delta", "desert", "dingo",
	"dolphin", "dragon", "drift", "dune", "eagle", "ember", "emerald", "falcon", "fern",
	"ferret", "fig", "finch", "fjord", "flame", "flint", "forest", "fossil", "fox", "frost",
	"galaxy", "garnet", "gazelle", "gecko", "geyser", "ginger", "glacier", "granite",
	"grape", "gravel", "harbor", "hazel", "heron", "hickory", "honey", "horizon", "husky",
	"iris", "island", "ivory", "jade", "jaguar", "jasmine", "juniper", "kayak", "kelp",
	"kestrel", "kiwi", "koala", "lagoon", "lantern", "larch", "lava", "lemon", "lilac",
	"lime", "lotus", "lunar", "lynx", "magnet", "mango", "maple", "marble", "marsh",
	"meadow", "melon", "mesa", "meteor", "mint", "mist", "molten", "moose", "moss",
	"nebula", "nectar", "nickel", "nutmeg", "oak", "oasis", "ocean", "olive", "onyx",
	"opal", "orbit", "orchid", "osprey", "otter", "owl", "panda", "papaya", "pebble",
	"pepper", "pigeon", "pine", "pixel", "plum", "polar", "poppy", "prairie", "puffin",
	"quartz", "quill", "rabbit", "radish", "raven", "reef", "ridge", "river", "robin",
	"rocket", "rose", "ruby", "saffron", "sage", "salmon", "sapphire", "savanna", "scarlet",
	"sequoia", "shadow", "shell", "sierra", "silver", "sky", "slate", "sparrow", "spruce",
	"squid", "stone", "storm", "summit", "sunset", "swift", "tango", "teal", "thistle",
	"thunder", "tiger", "timber", "topaz", "tulip", "tundra", "turtle", "valley", "velvet",
	"violet", "volcano", "walnut", "walrus", "willow", "wolf", "wren", "yak", "yarrow",
	"zebra", "zephyr", "zinc",
}
