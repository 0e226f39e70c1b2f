package domain

// ffmpegColors lists the color names ffmpeg's drawtext and drawbox filters
// accept.
var ffmpegColors = map[string]struct{}{
	"aliceblue": {},
	"antiquewhite": {},
	"aqua": {},
	"aquamarine": {},
	"azure": {},
	"beige": {},
	"bisque": {},
	"black": {},
	"blanchedalmond": {},
	"blue": {},
	"blueviolet": {},
	"brown": {},
	"burlywood": {},
	"cadetblue": {},
	"chartreuse": {},
	"chocolate": {},
	"coral": {},
	"cornflowerblue": {},
	"cornsilk": {},
	"crimson": {},
	"cyan": {},
	"darkblue": {},
	"darkcyan": {},
	"darkgoldenrod": {},
	"darkgray": {},
	"darkgreen": {},
	"darkkhaki": {},
	"darkmagenta": {},
	"darkolivegreen": {},
	"darkorange": {},
	"darkorchid": {},
	"darkred": {},
	"darksalmon": {},
	"darkseagreen": {},
	"darkslateblue": {},
	"darkslategray": {},
	"darkturquoise": {},
	"darkviolet": {},
	"deeppink": {},
	"deepskyblue": {},
	"dimgray": {},
	"dodgerblue": {},
	"firebrick": {},
	"floralwhite": {},
	"forestgreen": {},
	"fuchsia": {},
	"gainsboro": {},
	"ghostwhite": {},
	"gold": {},
	"goldenrod": {},
	"gray": {},
	"green": {},
	"greenyellow": {},
	"honeydew": {},
	"hotpink": {},
	"indianred": {},
	"indigo": {},
	"ivory": {},
	"khaki": {},
	"lavender": {},
	"lavenderblush": {},
	"lawngreen": {},
	"lemonchiffon": {},
	"lightblue": {},
	"lightcoral": {},
	"lightcyan": {},
	"lightgoldenrodyellow": {},
	"lightgreen": {},
	"lightgrey": {},
	"lightpink": {},
	"lightsalmon": {},
	"lightseagreen": {},
	"lightskyblue": {},
	"lightslategray": {},
	"lightsteelblue": {},
	"lightyellow": {},
	"lime": {},
	"limegreen": {},
	"linen": {},
	"magenta": {},
	"maroon": {},
	"mediumaquamarine": {},
	"mediumblue": {},
	"mediumorchid": {},
	"mediumpurple": {},
	"mediumseagreen": {},
	"mediumslateblue": {},
	"mediumspringgreen": {},
	"mediumturquoise": {},
	"mediumvioletred": {},
	"midnightblue": {},
	"mintcream": {},
	"mistyrose": {},
	"moccasin": {},
	"navajowhite": {},
	"navy": {},
	"oldlace": {},
	"olive": {},
	"olivedrab": {},
	"orange": {},
	"orangered": {},
	"orchid": {},
	"palegoldenrod": {},
	"palegreen": {},
	"paleturquoise": {},
	"palevioletred": {},
	"papayawhip": {},
	"peachpuff": {},
	"peru": {},
	"pink": {},
	"plum": {},
	"powderblue": {},
	"purple": {},
	"red": {},
	"rosybrown": {},
	"royalblue": {},
	"saddlebrown": {},
	"salmon": {},
	"sandybrown": {},
	"seagreen": {},
	"seashell": {},
	"sienna": {},
	"silver": {},
	"skyblue": {},
	"slateblue": {},
	"slategray": {},
	"snow": {},
	"springgreen": {},
	"steelblue": {},
	"tan": {},
	"teal": {},
	"thistle": {},
	"tomato": {},
	"turquoise": {},
	"violet": {},
	"wheat": {},
	"white": {},
	"whitesmoke": {},
	"yellow": {},
	"yellowgreen": {},
}

func isFFmpegColor(name string) bool {
	_, ok := ffmpegColors[name]
	return ok
}
