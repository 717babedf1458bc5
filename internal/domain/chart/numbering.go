// Package chart implements the tooth chart aggregate, its numbering helpers and
// the selection working set used by batch operations.
package chart

import (
	"errors"
	"fmt"
	"strconv"
)

// NumberingSystem is a display convention for tooth identifiers
type NumberingSystem string

const (
	NumberingUniversal NumberingSystem = "universal"
	NumberingFDI       NumberingSystem = "fdi"
	NumberingPalmer    NumberingSystem = "palmer"
)

// Dentition selects which tooth set is in play
type Dentition string

const (
	DentitionAdult   Dentition = "adult"
	DentitionPrimary Dentition = "primary"
	DentitionMixed   Dentition = "mixed"
)

// Surface is a tooth face code
type Surface string

const (
	SurfaceOcclusal Surface = "O"
	SurfaceMesial   Surface = "M"
	SurfaceDistal   Surface = "D"
	SurfaceBuccal   Surface = "B"
	SurfaceFacial   Surface = "F"
	SurfaceLingual  Surface = "L"
	SurfacePalatal  Surface = "P"
	SurfaceIncisal  Surface = "I"
	SurfaceCervical Surface = "C"
)

// ErrInvalidValue is returned by the Parse helpers
var ErrInvalidValue = errors.New("invalid value")

const primaryLetters = "ABCDEFGHIJKLMNOPQRST"

// fdiAdult maps canonical ids 1..32 onto FDI quadrant codes
var fdiAdult = [32]int{
	11, 12, 13, 14, 15, 16, 17, 18,
	21, 22, 23, 24, 25, 26, 27, 28,
	31, 32, 33, 34, 35, 36, 37, 38,
	41, 42, 43, 44, 45, 46, 47, 48,
}

var surfaceNames = map[Surface]string{
	SurfaceOcclusal: "Occlusal",
	SurfaceMesial:   "Mesial",
	SurfaceDistal:   "Distal",
	SurfaceBuccal:   "Buccal",
	SurfaceFacial:   "Facial",
	SurfaceLingual:  "Lingual",
	SurfacePalatal:  "Palatal",
	SurfaceIncisal:  "Incisal",
	SurfaceCervical: "Cervical",
}

// Label renders a canonical tooth id under the given numbering system and
// dentition. It is total: ids outside the expected range fall back to their
// decimal form instead of failing, so a display can never break on bad data.
// Domain validation happens when the chart is mutated, not here.
func Label(tooth int, system NumberingSystem, dentition Dentition) string {
	switch system {
	case NumberingUniversal:
		if dentition == DentitionPrimary && tooth >= 1 && tooth <= len(primaryLetters) {
			return primaryLetters[tooth-1 : tooth]
		}
		return strconv.Itoa(tooth)
	case NumberingFDI:
		if dentition == DentitionPrimary {
			return strconv.Itoa(50 + tooth)
		}
		if tooth >= 1 && tooth <= len(fdiAdult) {
			return strconv.Itoa(fdiAdult[tooth-1])
		}
		return strconv.Itoa(tooth)
	case NumberingPalmer:
		return fmt.Sprintf("%s %d", palmerQuadrant(tooth), (tooth-1)%8+1)
	default:
		return strconv.Itoa(tooth)
	}
}

func palmerQuadrant(tooth int) string {
	switch {
	case tooth <= 8:
		return "UR"
	case tooth <= 16:
		return "UL"
	case tooth <= 24:
		return "LL"
	default:
		return "LR"
	}
}

// SurfaceName returns the clinical name of a surface code, or the code itself
// when it is not recognised
func SurfaceName(s Surface) string {
	if name, ok := surfaceNames[s]; ok {
		return name
	}
	return string(s)
}

// ToothCount returns the size of the canonical id space for a dentition.
// Mixed dentition shares the adult id space.
func ToothCount(d Dentition) int {
	if d == DentitionPrimary {
		return 20
	}
	return 32
}

// ValidTooth reports whether n is a valid canonical id under d
func ValidTooth(d Dentition, n int) bool {
	return n >= 1 && n <= ToothCount(d)
}

// ToothLabel pairs a canonical id with its display label
type ToothLabel struct {
	Tooth int    `json:"tooth"`
	Label string `json:"label"`
}

// Labels returns the label table for every tooth of a dentition
func Labels(system NumberingSystem, dentition Dentition) []ToothLabel {
	n := ToothCount(dentition)
	out := make([]ToothLabel, 0, n)
	for tooth := 1; tooth <= n; tooth++ {
		out = append(out, ToothLabel{Tooth: tooth, Label: Label(tooth, system, dentition)})
	}
	return out
}

// ParseNumberingSystem validates a numbering system name
func ParseNumberingSystem(s string) (NumberingSystem, error) {
	switch ns := NumberingSystem(s); ns {
	case NumberingUniversal, NumberingFDI, NumberingPalmer:
		return ns, nil
	}
	return "", fmt.Errorf("%w: numbering system %q", ErrInvalidValue, s)
}

// ParseDentition validates a dentition name
func ParseDentition(s string) (Dentition, error) {
	switch d := Dentition(s); d {
	case DentitionAdult, DentitionPrimary, DentitionMixed:
		return d, nil
	}
	return "", fmt.Errorf("%w: dentition %q", ErrInvalidValue, s)
}

// ParseSurface validates a surface code
func ParseSurface(s string) (Surface, error) {
	if _, ok := surfaceNames[Surface(s)]; ok {
		return Surface(s), nil
	}
	return "", fmt.Errorf("%w: surface %q", ErrInvalidValue, s)
}
