package anonymize

var firstNames = []string{
	"Alex", "Blake", "Casey", "Dana", "Eden", "Finley", "Gray", "Harper",
	"Indigo", "Jordan", "Kai", "Logan", "Morgan", "Noel", "Oakley", "Parker",
	"Quinn", "Riley", "Sage", "Taylor", "Umber", "Val", "Wren", "Avery",
	"Rowan", "Emery", "Jules", "Marlow", "Reese", "Skyler", "Tatum", "Winter",
}

var lastNames = []string{
	"Abbott", "Barnes", "Carver", "Dalton", "Ellis", "Fisher", "Garner", "Hayes",
	"Irwin", "Jensen", "Keller", "Lowell", "Mercer", "Nolan", "Osborne", "Pryor",
	"Quill", "Rhodes", "Sutton", "Thorne", "Upton", "Vance", "Whitley", "Yates",
	"Ashby", "Brook", "Corbin", "Dorsey", "Emberly", "Fenwick", "Hollis", "Lindqvist",
}

var streetNames = []string{
	"Maple", "Cedar", "Willow", "Harbor", "Summit", "Meadow", "Juniper", "Lakeview",
	"Orchard", "Ridge", "Birch", "Sycamore", "Granite", "Hillcrest", "Riverside", "Elm",
}

var cityNames = []string{
	"Fairview", "Springfield", "Riverton", "Lakeside", "Greenville", "Milford",
	"Ashland", "Clayton", "Georgetown", "Oakdale", "Salem", "Westfield",
}
