package vscore

// Level is the label derived from a total score.
type Level string

const (
	LevelNewcomer    Level = "Newcomer"
	LevelActive      Level = "Active"
	LevelEstablished Level = "Established"
	LevelTrusted     Level = "Trusted"
	LevelElite       Level = "Elite"
)

// Band is a contiguous [Min, Max) total range mapped to a level.
// The last band is closed at MaxScore.
type Band struct {
	Level Level `json:"level"`
	Min   int   `json:"min"`
	Max   int   `json:"max"`
}

// Bands are contiguous and non-overlapping, ordered from lowest to highest.
var Bands = []Band{
	{Level: LevelNewcomer, Min: 0, Max: 200},
	{Level: LevelActive, Min: 200, Max: 400},
	{Level: LevelEstablished, Min: 400, Max: 600},
	{Level: LevelTrusted, Min: 600, Max: 800},
	{Level: LevelElite, Min: 800, Max: MaxScore},
}

// LevelFor maps a total to its level.
func LevelFor(total int) Level {
	total = Clamp(total)
	for _, b := range Bands[:len(Bands)-1] {
		if total < b.Max {
			return b.Level
		}
	}
	return LevelElite
}

// NextLevel returns the next level above total and the points still missing.
// ok is false once the principal is Elite.
func NextLevel(total int) (next Level, missing int, ok bool) {
	total = Clamp(total)
	for _, b := range Bands {
		if total < b.Min {
			return b.Level, b.Min - total, true
		}
	}
	return "", 0, false
}
