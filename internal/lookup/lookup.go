package lookup

import (
	"fmt"

	"crosslink/internal/core"
	apperrors "crosslink/pkg/errors"
)

// Directory resolves instrument and location names to their numeric ids.
// The mappings come from configuration and are immutable after startup, so
// lookups need no locking.
type Directory struct {
	instruments map[string]int64
	locations   map[string]int64
	logger      core.ILogger
}

func New(instruments, locations map[string]int64, logger core.ILogger) *Directory {
	d := &Directory{
		instruments: make(map[string]int64, len(instruments)),
		locations:   make(map[string]int64, len(locations)),
		logger:      logger.WithField("component", "lookup"),
	}
	for name, id := range instruments {
		d.instruments[name] = id
	}
	for name, id := range locations {
		d.locations[name] = id
	}
	d.logger.Info("Loaded lookup directory",
		"instruments", len(d.instruments),
		"locations", len(d.locations))
	return d
}

// Instrument resolves an instrument name.
func (d *Directory) Instrument(name string) (int64, error) {
	id, ok := d.instruments[name]
	if !ok {
		return 0, fmt.Errorf("instrument %q: %w", name, apperrors.ErrUnknownInstrument)
	}
	return id, nil
}

// Location resolves a trading location name.
func (d *Directory) Location(name string) (int64, error) {
	id, ok := d.locations[name]
	if !ok {
		return 0, fmt.Errorf("location %q: %w", name, apperrors.ErrUnknownLocation)
	}
	return id, nil
}
