// Package model talks to the challenge-generating model.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
)

// Request asks the model for one challenge.
type Request struct {
	Difficulty string
	// Seed makes a unit reproducible when the model honours it.
	Seed uint64
}

// Generated is one model output, before it is stored.
type Generated struct {
	Media        []byte
	MediaType    string
	Prompt       string
	Options      []string
	Answer       string
	TargetPath   []challenge.Point
	ModelVersion string
}

// Model generates challenges. Implementations must honour ctx cancellation.
type Model interface {
	Generate(ctx context.Context, req Request) (*Generated, error)
}

// ErrMalformed marks a response that cannot become a challenge.
var ErrMalformed = errors.New("malformed model output")

// Validate checks the invariants every stored challenge relies on.
func Validate(g *Generated) error {
	switch {
	case g == nil:
		return fmt.Errorf("%w: empty result", ErrMalformed)
	case len(g.Media) == 0:
		return fmt.Errorf("%w: no media", ErrMalformed)
	case g.Prompt == "":
		return fmt.Errorf("%w: no prompt", ErrMalformed)
	case challenge.NormalizeAnswer(g.Answer) == "":
		return fmt.Errorf("%w: no answer", ErrMalformed)
	case len(g.Options) < 2:
		return fmt.Errorf("%w: need at least two options", ErrMalformed)
	case g.ModelVersion == "":
		return fmt.Errorf("%w: no model version", ErrMalformed)
	}
	seen := make(map[string]bool, len(g.Options))
	found := false
	for _, opt := range g.Options {
		n := challenge.NormalizeAnswer(opt)
		if seen[n] {
			return fmt.Errorf("%w: duplicate option %q", ErrMalformed, opt)
		}
		seen[n] = true
		if challenge.MatchAnswer(g.Answer, opt) {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: answer is not among the options", ErrMalformed)
	}
	return nil
}
