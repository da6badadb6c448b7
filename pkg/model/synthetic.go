package model

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
)

// SyntheticVersion is the model version stamped on synthetic challenges.
const SyntheticVersion = "synthetic-1.0.0"

var syntheticVocabulary = map[string][]string{
	"easy":   {"cat", "dog", "sun", "tree", "car", "fish", "bird", "house"},
	"normal": {"bicycle", "umbrella", "lighthouse", "giraffe", "teapot", "guitar", "rocket", "cactus"},
	"hard":   {"accordion", "chameleon", "stethoscope", "metronome", "sextant", "armadillo", "harpsichord", "periscope"},
}

var shapePalette = []string{"#e4572e", "#29335c", "#f3a712", "#a8c686", "#669bbc", "#8e6c88"}

// Synthetic generates deterministic placeholder challenges. The same request
// always yields the same challenge.
type Synthetic struct{}

func (Synthetic) Generate(ctx context.Context, req Request) (*Generated, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words, ok := syntheticVocabulary[req.Difficulty]
	if !ok {
		words = syntheticVocabulary["normal"]
	}
	rng := rand.New(rand.NewPCG(req.Seed, req.Seed^0x9e3779b97f4a7c15)) //nolint:gosec // reproducible content

	picked := rng.Perm(len(words))[:4]
	options := make([]string, 0, len(picked))
	for _, i := range picked {
		options = append(options, words[i])
	}
	answer := options[0]

	path := make([]challenge.Point, 0, 5)
	for i := 0; i < 5; i++ {
		path = append(path, challenge.Point{
			X: float64(10+rng.IntN(80)) / 100,
			Y: float64(10+rng.IntN(80)) / 100,
		})
	}

	return &Generated{
		Media:        renderSVG(rng, answer),
		MediaType:    "image/svg+xml",
		Prompt:       "Scratch the card and choose what is hidden underneath.",
		Options:      options,
		Answer:       answer,
		TargetPath:   path,
		ModelVersion: SyntheticVersion,
	}, nil
}

func renderSVG(rng *rand.Rand, label string) []byte {
	var b strings.Builder
	b.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" width="320" height="240" viewBox="0 0 320 240">`)
	fmt.Fprintf(&b, `<rect width="320" height="240" fill="%s"/>`, shapePalette[rng.IntN(len(shapePalette))])
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, `<circle cx="%d" cy="%d" r="%d" fill="%s" opacity="0.6"/>`,
			rng.IntN(320), rng.IntN(240), 10+rng.IntN(40), shapePalette[rng.IntN(len(shapePalette))])
	}
	fmt.Fprintf(&b, `<text x="160" y="130" font-size="36" text-anchor="middle" fill="#ffffff">%s</text>`, label)
	b.WriteString(`</svg>`)
	return []byte(b.String())
}
