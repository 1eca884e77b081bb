package report

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Releaser is a loaded resource (temporary file, in-memory buffer) that must be
// freed when it is not going to be delivered.
type Releaser interface {
	Release() error
}

// Reporter turns terminal states into results and cleans up what the host
// will never see.
type Reporter struct {
	session string
}

// NewReporter creates a Reporter whose log lines are tagged with session.
func NewReporter(session string) *Reporter {
	return &Reporter{session: session}
}

// Report reduces s and, for Failed and Cancelled, releases every leftover.
// A non-terminal state is reported as Failed and logged as a programming error.
func (r *Reporter) Report(s State, leftovers ...Releaser) Result {
	result, err := Reduce(s)
	if err != nil {
		log.Error().Err(err).Str("session", r.session).Msg("reporting non-terminal state")
	}

	if result != Finished && len(leftovers) > 0 {
		if relErr := r.Release(leftovers...); relErr != nil {
			log.Warn().Err(relErr).Str("session", r.session).Str("result", result.String()).Msg("payload cleanup incomplete")
		}
	}

	log.Info().Str("session", r.session).Str("state", s.String()).Str("result", result.String()).Int("released", releasedCount(result, leftovers)).Msg("share outcome reported")
	return result
}

// Release frees every resource, continuing past failures. Nil entries are skipped.
func (r *Reporter) Release(resources ...Releaser) error {
	var errs []error
	for i, res := range resources {
		if res == nil {
			continue
		}
		if err := res.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		log.Error().Errs("release_errors", errs).Str("session", r.session).Msg("errors occurred while releasing payloads")
		return errors.Join(errs...)
	}
	return nil
}

func releasedCount(result Result, leftovers []Releaser) int {
	if result == Finished {
		return 0
	}
	n := 0
	for _, l := range leftovers {
		if l != nil {
			n++
		}
	}
	return n
}
