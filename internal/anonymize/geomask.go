package anonymize

import (
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Geographic masking methods
const (
	GeoGeneralize = "generalize"
	GeoPerturb    = "perturb"
)

const kmPerDegree = 111.32

var (
	coordinatePattern = regexp.MustCompile(`^\s*(-?\d{1,3}(?:\.\d+)?)\s*,\s*(-?\d{1,3}(?:\.\d+)?)\s*$`)
	postalPattern     = regexp.MustCompile(`^\d{4,10}(?:-\d{4})?$`)
)

// GeoMasker coarsens location data. Coordinates are rounded or randomly
// displaced, postal codes keep only their leading digits and free-text
// addresses keep only their last components (city, region).
type GeoMasker struct {
	base
	float func() float64
}

// NewGeoMasker creates the geographic masking technique
func NewGeoMasker(id string) *GeoMasker {
	g := &GeoMasker{float: rand.Float64}
	g.meta = Metadata{
		ID:          id,
		Name:        "Geographic Masking",
		Category:    "generalization",
		Description: "Reduces the precision of coordinates, postal codes and addresses.",
		Parameters: []Parameter{
			choiceParam("method", GeoGeneralize, []string{GeoGeneralize, GeoPerturb},
				"Round coordinates or displace them randomly"),
			intParam("precision", 2, 0, 6, "Decimal places kept when generalizing coordinates"),
			{
				Name:        "radiusKm",
				Kind:        KindNumber,
				Default:     1.0,
				Min:         floatPtr(0),
				Max:         floatPtr(1000),
				Description: "Maximum displacement when perturbing",
			},
			intParam("zipDigits", 3, 0, 10, "Leading postal code digits kept"),
		},
		RiskLevel:     RiskMedium,
		Reversible:    false,
		Deterministic: false,
		Compliance:    []string{"HIPAA", "GDPR"},
	}
	return g
}

func (g *GeoMasker) Anonymize(values []string, params Params) ([]string, error) {
	r, err := g.resolve(params)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(values))
	for i, v := range values {
		switch {
		case coordinatePattern.MatchString(v):
			out[i] = g.maskCoordinates(v, r)
		case postalPattern.MatchString(strings.TrimSpace(v)):
			out[i] = maskPostal(strings.TrimSpace(v), r.Int("zipDigits"))
		default:
			out[i] = generalizeAddress(v)
		}
	}
	return out, nil
}

func (g *GeoMasker) maskCoordinates(v string, r resolved) string {
	m := coordinatePattern.FindStringSubmatch(v)
	lat, errLat := strconv.ParseFloat(m[1], 64)
	lon, errLon := strconv.ParseFloat(m[2], 64)
	if errLat != nil || errLon != nil || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return generalizeAddress(v)
	}

	if r.String("method") == GeoPerturb {
		lat, lon = g.perturb(lat, lon, r.Float("radiusKm"))
		return formatCoordinates(lat, lon, 6)
	}
	return formatCoordinates(lat, lon, r.Int("precision"))
}

// perturb moves a point a uniformly distributed distance of at most
// radiusKm in a random direction
func (g *GeoMasker) perturb(lat, lon, radiusKm float64) (float64, float64) {
	distance := radiusKm * math.Sqrt(g.float())
	bearing := 2 * math.Pi * g.float()

	dLat := distance * math.Cos(bearing) / kmPerDegree
	cosLat := math.Cos(lat * math.Pi / 180)
	dLon := 0.0
	if cosLat > 1e-9 {
		dLon = distance * math.Sin(bearing) / (kmPerDegree * cosLat)
	}

	lat = math.Max(-90, math.Min(90, lat+dLat))
	lon += dLon
	if lon > 180 {
		lon -= 360
	} else if lon < -180 {
		lon += 360
	}
	return lat, lon
}

func formatCoordinates(lat, lon float64, precision int) string {
	return strconv.FormatFloat(lat, 'f', precision, 64) + "," + strconv.FormatFloat(lon, 'f', precision, 64)
}

// maskPostal keeps the first keep digits and zeroes the rest, extension included
func maskPostal(v string, keep int) string {
	b := []byte(v)
	seen := 0
	for i, c := range b {
		if c < '0' || c > '9' {
			continue
		}
		seen++
		if seen > keep {
			b[i] = '0'
		}
	}
	return string(b)
}

// generalizeAddress keeps the trailing components of a comma separated
// address; a single component is masked entirely
func generalizeAddress(v string) string {
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch {
	case len(parts) >= 3:
		return strings.Join(parts[len(parts)-2:], ", ")
	case len(parts) == 2:
		return parts[1]
	default:
		return strings.Repeat("*", utf8.RuneCountInString(v))
	}
}
